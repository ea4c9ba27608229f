package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"responder/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const incidentCols = `id,type,severity,status,title,COALESCE(description,'') AS description,affected_systems_json,affected_users_json,reported_by,assigned_to,detected_at,contained_at,resolved_at,metadata_json,playbook_execution,updated_at`

type incidentScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row incidentScanner) (domain.Incident, error) {
	var inc domain.Incident
	var systemsJSON, usersJSON, metadataJSON string
	var assignedTo, containedAt, resolvedAt sql.NullString
	err := row.Scan(&inc.ID, &inc.Type, &inc.Severity, &inc.Status, &inc.Title, &inc.Description,
		&systemsJSON, &usersJSON, &inc.ReportedBy, &assignedTo, &inc.DetectedAt,
		&containedAt, &resolvedAt, &metadataJSON, &inc.PlaybookExecution, &inc.UpdatedAt)
	if err == sql.ErrNoRows {
		return inc, ErrNotFound
	}
	if err != nil {
		return inc, err
	}
	if assignedTo.Valid {
		inc.AssignedTo = &assignedTo.String
	}
	if containedAt.Valid {
		inc.ContainedAt = &containedAt.String
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.String
	}
	if err := json.Unmarshal([]byte(systemsJSON), &inc.AffectedSystems); err != nil {
		return inc, fmt.Errorf("incident %s affected_systems: %w", inc.ID, err)
	}
	if err := json.Unmarshal([]byte(usersJSON), &inc.AffectedUsers); err != nil {
		return inc, fmt.Errorf("incident %s affected_users: %w", inc.ID, err)
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &inc.Metadata); err != nil {
			return inc, fmt.Errorf("incident %s metadata: %w", inc.ID, err)
		}
	}
	return inc, nil
}

func (r Repo) InsertIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	systems, err := json.Marshal(emptyIfNil(inc.AffectedSystems))
	if err != nil {
		return err
	}
	users, err := json.Marshal(emptyIfNil(inc.AffectedUsers))
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(inc.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO incidents(id,type,severity,status,title,description,affected_systems_json,affected_users_json,reported_by,assigned_to,detected_at,contained_at,resolved_at,metadata_json,playbook_execution,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		inc.ID, inc.Type, inc.Severity, inc.Status, inc.Title, inc.Description,
		string(systems), string(users), inc.ReportedBy, nullableStringPtr(inc.AssignedTo),
		inc.DetectedAt, nullableStringPtr(inc.ContainedAt), nullableStringPtr(inc.ResolvedAt),
		metadata, inc.PlaybookExecution, inc.UpdatedAt)
	return err
}

func (r Repo) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	return scanIncident(r.DB.QueryRowContext(ctx, `SELECT `+incidentCols+` FROM incidents WHERE id=?`, id))
}

func (r Repo) GetIncidentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Incident, error) {
	return scanIncident(tx.QueryRowContext(ctx, `SELECT `+incidentCols+` FROM incidents WHERE id=?`, id))
}

func (r Repo) UpdateIncident(ctx context.Context, tx *sql.Tx, inc domain.Incident) error {
	systems, err := json.Marshal(emptyIfNil(inc.AffectedSystems))
	if err != nil {
		return err
	}
	users, err := json.Marshal(emptyIfNil(inc.AffectedUsers))
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(inc.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE incidents SET status=?, title=?, description=?, affected_systems_json=?, affected_users_json=?, assigned_to=?, contained_at=?, resolved_at=?, metadata_json=?, playbook_execution=?, updated_at=? WHERE id=?`,
		inc.Status, inc.Title, inc.Description, string(systems), string(users),
		nullableStringPtr(inc.AssignedTo), nullableStringPtr(inc.ContainedAt), nullableStringPtr(inc.ResolvedAt),
		metadata, inc.PlaybookExecution, inc.UpdatedAt, inc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPlaybookExecution updates only the background run marker without touching
// the rest of the incident row. Used outside the mutation transaction.
func (r Repo) SetPlaybookExecution(ctx context.Context, id, status, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE incidents SET playbook_execution=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	return err
}

type IncidentFilters struct {
	Status           string
	Type             string
	Severity         string
	Active           bool
	Limit            int
	CursorDetectedAt string
	CursorID         string
}

func (r Repo) ListIncidents(ctx context.Context, f IncidentFilters) ([]domain.Incident, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Active {
		clauses = append(clauses, "status NOT IN ('recovered','closed')")
	}
	if f.CursorDetectedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(detected_at < ? OR (detected_at = ? AND id < ?))")
		args = append(args, f.CursorDetectedAt, f.CursorDetectedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + incidentCols + ` FROM incidents ` + where + ` ORDER BY detected_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inc)
	}
	return res, nil
}

func (r Repo) InsertTimelineEntry(ctx context.Context, tx *sql.Tx, e domain.TimelineEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO timeline_entries(incident_id,ts,action,performed_by,details_json) VALUES (?,?,?,?,?)`,
		e.IncidentID, e.TS, e.Action, e.PerformedBy, nullableStringPtr(e.DetailsJSON))
	return err
}

func (r Repo) ListTimeline(ctx context.Context, incidentID string) ([]domain.TimelineEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,incident_id,ts,action,performed_by,details_json FROM timeline_entries WHERE incident_id=? ORDER BY id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEntry
	for rows.Next() {
		var e domain.TimelineEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.TS, &e.Action, &e.PerformedBy, &details); err != nil {
			return nil, err
		}
		if details.Valid {
			e.DetailsJSON = &details.String
		}
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(id,incident_id,type,description,location,collected_at,collected_by,hash) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.IncidentID, ev.Type, ev.Description, ev.Location, ev.CollectedAt, ev.CollectedBy, nullableStringPtr(ev.Hash))
	return err
}

func (r Repo) ListEvidence(ctx context.Context, incidentID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,incident_id,type,description,location,collected_at,collected_by,hash FROM evidence WHERE incident_id=? ORDER BY collected_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		var hash sql.NullString
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Type, &ev.Description, &ev.Location, &ev.CollectedAt, &ev.CollectedBy, &hash); err != nil {
			return nil, err
		}
		if hash.Valid {
			ev.Hash = &hash.String
		}
		res = append(res, ev)
	}
	return res, nil
}

func (r Repo) InsertActionItem(ctx context.Context, tx *sql.Tx, a domain.ActionItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO action_items(id,incident_id,action,status,assigned_to,priority,due_at,completed_at,notes,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.IncidentID, a.Action, a.Status, a.AssignedTo, a.Priority,
		nullableStringPtr(a.DueAt), nullableStringPtr(a.CompletedAt), nullableStringPtr(a.Notes), a.CreatedAt)
	return err
}

func (r Repo) GetActionItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.ActionItem, error) {
	var a domain.ActionItem
	var dueAt, completedAt, notes sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,incident_id,action,status,assigned_to,priority,due_at,completed_at,notes,created_at FROM action_items WHERE id=?`, id).
		Scan(&a.ID, &a.IncidentID, &a.Action, &a.Status, &a.AssignedTo, &a.Priority, &dueAt, &completedAt, &notes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if dueAt.Valid {
		a.DueAt = &dueAt.String
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.String
	}
	if notes.Valid {
		a.Notes = &notes.String
	}
	return a, nil
}

func (r Repo) UpdateActionItem(ctx context.Context, tx *sql.Tx, a domain.ActionItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE action_items SET status=?, assigned_to=?, due_at=?, completed_at=?, notes=? WHERE id=?`,
		a.Status, a.AssignedTo, nullableStringPtr(a.DueAt), nullableStringPtr(a.CompletedAt), nullableStringPtr(a.Notes), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListActionItems(ctx context.Context, incidentID string) ([]domain.ActionItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,incident_id,action,status,assigned_to,priority,due_at,completed_at,notes,created_at FROM action_items WHERE incident_id=? ORDER BY created_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionItem
	for rows.Next() {
		var a domain.ActionItem
		var dueAt, completedAt, notes sql.NullString
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.Action, &a.Status, &a.AssignedTo, &a.Priority, &dueAt, &completedAt, &notes, &a.CreatedAt); err != nil {
			return nil, err
		}
		if dueAt.Valid {
			a.DueAt = &dueAt.String
		}
		if completedAt.Valid {
			a.CompletedAt = &completedAt.String
		}
		if notes.Valid {
			a.Notes = &notes.String
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) CountIncidentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM incidents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, incidentID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, incidentID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, incidentID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if incidentID != "" {
		clauses = append(clauses, "incident_id=?")
		args = append(args, incidentID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,incident_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,incident_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var incidentID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &incidentID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if incidentID.Valid {
			e.IncidentID = incidentID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent audit event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetNotificationCursor returns the last delivered event ID for a channel.
func (r Repo) GetNotificationCursor(ctx context.Context, channel string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM notification_cursors WHERE channel=?`, channel).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (r Repo) SetNotificationCursor(ctx context.Context, channel string, eventID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_cursors(channel,last_event_id) VALUES (?,?)
ON CONFLICT(channel) DO UPDATE SET last_event_id=excluded.last_event_id`, channel, eventID)
	return err
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
