package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"responder/internal/config"
	"responder/internal/domain"
	"responder/internal/events"
	"responder/internal/monitor"
	"responder/internal/notify"
	"responder/internal/playbook"
	"responder/internal/recommend"
	"responder/internal/repo"
)

// Engine is the incident manager. It is the sole writer of incident state;
// the catalog, recommendation rules, notifier and monitoring sink are
// collaborators it drives.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Catalog  *playbook.Catalog
	Notifier notify.Notifier
	Monitor  monitor.Sink
	Now      func() time.Time

	locks *incidentLocks
	runs  *sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config) Engine {
	catalog := playbook.NewCatalog(cfg.StepTimeout())
	playbook.Seed(catalog)
	var sink monitor.Sink = monitor.Discard{}
	if cfg.Monitoring.Enabled {
		sink = monitor.StoreSink{DB: db}
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Catalog:  catalog,
		Notifier: notify.NewDispatcher(cfg),
		Monitor:  sink,
		Now:      time.Now,
		locks:    newIncidentLocks(),
		runs:     &sync.WaitGroup{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// incidentLocks serializes read-modify-write sequences per incident so two
// concurrent callers cannot lose each other's updates.
type incidentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newIncidentLocks() *incidentLocks {
	return &incidentLocks{locks: map[string]*sync.Mutex{}}
}

func (l *incidentLocks) acquire(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// IncidentCreateOptions are parameters for creating an incident.
type IncidentCreateOptions struct {
	Type            string
	Severity        string
	Title           string
	Description     string
	AffectedSystems []string
	AffectedUsers   []string
	ReportedBy      string
	Metadata        map[string]any
}

func (o IncidentCreateOptions) validate() error {
	if !domain.ValidIncidentType(o.Type) {
		return fmt.Errorf("invalid incident type %q", o.Type)
	}
	if !domain.ValidSeverity(o.Severity) {
		return fmt.Errorf("invalid severity %q", o.Severity)
	}
	if n := len(strings.TrimSpace(o.Title)); n == 0 || len(o.Title) > 200 {
		return errors.New("title must be 1-200 characters")
	}
	if strings.TrimSpace(o.ReportedBy) == "" {
		return errors.New("reported_by is required")
	}
	return nil
}

// NewIncidentID generates an id from the creation time plus a random suffix.
func NewIncidentID(now time.Time) string {
	return fmt.Sprintf("INC-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// CreateIncident validates, persists the new incident with its initial
// timeline entry, then emits monitoring and notification side effects best
// effort. For critical incidents with matching playbooks, execution is
// started in the background and tracked through the incident's
// playbook_execution field.
func (e Engine) CreateIncident(ctx context.Context, opts IncidentCreateOptions) (domain.Incident, error) {
	if err := opts.validate(); err != nil {
		return domain.Incident{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	matches := e.Catalog.ForIncident(opts.Type, opts.Severity)
	execStatus := domain.PlaybookRunNone
	if opts.Severity == domain.SeverityCritical && len(matches) > 0 {
		execStatus = domain.PlaybookRunPending
	}

	inc := domain.Incident{
		ID:                NewIncidentID(now),
		Type:              opts.Type,
		Severity:          opts.Severity,
		Status:            domain.StatusDetected,
		Title:             opts.Title,
		Description:       opts.Description,
		AffectedSystems:   sliceOrEmpty(opts.AffectedSystems),
		AffectedUsers:     sliceOrEmpty(opts.AffectedUsers),
		ReportedBy:        opts.ReportedBy,
		DetectedAt:        nowStr,
		Metadata:          opts.Metadata,
		PlaybookExecution: execStatus,
		UpdatedAt:         nowStr,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertIncident(ctx, tx, inc); err != nil {
		return domain.Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	entry := domain.TimelineEntry{
		IncidentID:  inc.ID,
		TS:          nowStr,
		Action:      "Incident created",
		PerformedBy: opts.ReportedBy,
	}
	if err := e.Repo.InsertTimelineEntry(ctx, tx, entry); err != nil {
		return domain.Incident{}, err
	}
	if err := e.Events.Append(ctx, tx, "incident.created", inc.ID, "incident", inc.ID, opts.ReportedBy, events.EventPayload{
		"type": inc.Type, "severity": inc.Severity, "title": inc.Title,
	}); err != nil {
		return domain.Incident{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Incident{}, err
	}
	inc.Timeline = []domain.TimelineEntry{entry}

	e.emitMonitoring(ctx, "incident_created", inc)
	e.sendNotification(ctx, inc)

	if execStatus == domain.PlaybookRunPending {
		e.runs.Add(1)
		go e.runPlaybooks(inc.ID, opts.ReportedBy, matches)
	}
	return inc, nil
}

// runPlaybooks executes each matching playbook in the background; step
// failures land in the incident timeline, never here. Only an infrastructure
// error marks the run failed.
func (e Engine) runPlaybooks(incidentID, actorID string, playbooks []playbook.Playbook) {
	defer e.runs.Done()
	ctx := context.Background()
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetPlaybookExecution(ctx, incidentID, domain.PlaybookRunRunning, nowStr); err != nil {
		log.Printf("playbook run %s: mark running failed: %v", incidentID, err)
	}
	final := domain.PlaybookRunCompleted
	for _, pb := range playbooks {
		if err := e.ExecutePlaybook(ctx, incidentID, pb.ID, actorID); err != nil {
			log.Printf("playbook run %s: %s failed: %v", incidentID, pb.ID, err)
			final = domain.PlaybookRunFailed
		}
	}
	nowStr = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetPlaybookExecution(ctx, incidentID, final, nowStr); err != nil {
		log.Printf("playbook run %s: mark %s failed: %v", incidentID, final, err)
	}
}

// WaitForPlaybooks blocks until background playbook runs started so far have
// finished.
func (e Engine) WaitForPlaybooks() {
	e.runs.Wait()
}

// GetIncident returns the incident with its timeline, evidence and actions.
func (e Engine) GetIncident(ctx context.Context, id string) (domain.Incident, error) {
	inc, err := e.Repo.GetIncident(ctx, id)
	if err != nil {
		return inc, err
	}
	return e.attachCollections(ctx, inc)
}

func (e Engine) attachCollections(ctx context.Context, inc domain.Incident) (domain.Incident, error) {
	var err error
	if inc.Timeline, err = e.Repo.ListTimeline(ctx, inc.ID); err != nil {
		return inc, err
	}
	if inc.Evidence, err = e.Repo.ListEvidence(ctx, inc.ID); err != nil {
		return inc, err
	}
	if inc.Actions, err = e.Repo.ListActionItems(ctx, inc.ID); err != nil {
		return inc, err
	}
	return inc, nil
}

// UpdateIncidentStatus appends a transition timeline entry and stamps
// containedAt/resolvedAt on the first transition into contained/recovered.
// Transitions are not restricted; any status may follow any other.
func (e Engine) UpdateIncidentStatus(ctx context.Context, id, newStatus, updatedBy, details string) (domain.Incident, error) {
	if !domain.ValidStatus(newStatus) {
		return domain.Incident{}, fmt.Errorf("invalid status %q", newStatus)
	}
	if strings.TrimSpace(updatedBy) == "" {
		return domain.Incident{}, errors.New("updated_by is required")
	}
	unlock := e.locks.acquire(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Incident{}, err
	}
	defer tx.Rollback()

	inc, err := e.Repo.GetIncidentTx(ctx, tx, id)
	if err != nil {
		return inc, err
	}
	oldStatus := inc.Status
	nowStr := e.now().UTC().Format(time.RFC3339)
	inc.Status = newStatus
	inc.UpdatedAt = nowStr
	if newStatus == domain.StatusContained && inc.ContainedAt == nil {
		inc.ContainedAt = &nowStr
	}
	if newStatus == domain.StatusRecovered && inc.ResolvedAt == nil {
		inc.ResolvedAt = &nowStr
	}
	if err := e.Repo.UpdateIncident(ctx, tx, inc); err != nil {
		return inc, err
	}
	entry := domain.TimelineEntry{
		IncidentID:  id,
		TS:          nowStr,
		Action:      fmt.Sprintf("Status changed from %s to %s", oldStatus, newStatus),
		PerformedBy: updatedBy,
	}
	if details != "" {
		entry.DetailsJSON = detailsJSON(map[string]any{"details": details})
	}
	if err := e.Repo.InsertTimelineEntry(ctx, tx, entry); err != nil {
		return inc, err
	}
	if err := e.Events.Append(ctx, tx, "incident.status_updated", id, "incident", id, updatedBy, events.EventPayload{
		"from": oldStatus, "to": newStatus,
	}); err != nil {
		return inc, err
	}
	if err := tx.Commit(); err != nil {
		return inc, err
	}

	e.emitMonitoring(ctx, "incident_status_updated", inc)
	e.sendNotification(ctx, inc)
	return e.attachCollections(ctx, inc)
}

// EvidenceOptions are parameters for attaching evidence to an incident.
type EvidenceOptions struct {
	Type        string
	Description string
	Location    string
	CollectedBy string
	Hash        string
}

func (e Engine) AddEvidence(ctx context.Context, incidentID string, opts EvidenceOptions) (domain.Evidence, error) {
	if !domain.ValidEvidenceType(opts.Type) {
		return domain.Evidence{}, fmt.Errorf("invalid evidence type %q", opts.Type)
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Evidence{}, errors.New("description is required")
	}
	if strings.TrimSpace(opts.CollectedBy) == "" {
		return domain.Evidence{}, errors.New("collected_by is required")
	}
	unlock := e.locks.acquire(incidentID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Evidence{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetIncidentTx(ctx, tx, incidentID); err != nil {
		return domain.Evidence{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	ev := domain.Evidence{
		ID:          "EVD-" + uuid.NewString()[:8],
		IncidentID:  incidentID,
		Type:        opts.Type,
		Description: opts.Description,
		Location:    opts.Location,
		CollectedAt: nowStr,
		CollectedBy: opts.CollectedBy,
	}
	if opts.Hash != "" {
		ev.Hash = &opts.Hash
	}
	if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
		return ev, err
	}
	entry := domain.TimelineEntry{
		IncidentID:  incidentID,
		TS:          nowStr,
		Action:      "Evidence collected: " + opts.Description,
		PerformedBy: opts.CollectedBy,
		DetailsJSON: detailsJSON(map[string]any{"evidence_id": ev.ID, "type": ev.Type}),
	}
	if err := e.Repo.InsertTimelineEntry(ctx, tx, entry); err != nil {
		return ev, err
	}
	if err := e.Events.Append(ctx, tx, "incident.evidence_added", incidentID, "evidence", ev.ID, opts.CollectedBy, events.EventPayload{
		"type": ev.Type,
	}); err != nil {
		return ev, err
	}
	if err := tx.Commit(); err != nil {
		return ev, err
	}
	return ev, nil
}

// AddTimelineEntry appends a free-form entry to the incident timeline.
func (e Engine) AddTimelineEntry(ctx context.Context, incidentID, action, performedBy string, details map[string]any) (domain.TimelineEntry, error) {
	if strings.TrimSpace(action) == "" {
		return domain.TimelineEntry{}, errors.New("action is required")
	}
	if performedBy == "" {
		performedBy = "system"
	}
	unlock := e.locks.acquire(incidentID)
	defer unlock()
	return e.appendTimeline(ctx, incidentID, action, performedBy, details)
}

// appendTimeline commits one timeline entry in its own transaction. Callers
// hold the incident lock.
func (e Engine) appendTimeline(ctx context.Context, incidentID, action, performedBy string, details map[string]any) (domain.TimelineEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TimelineEntry{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetIncidentTx(ctx, tx, incidentID); err != nil {
		return domain.TimelineEntry{}, err
	}
	entry := domain.TimelineEntry{
		IncidentID:  incidentID,
		TS:          e.now().UTC().Format(time.RFC3339),
		Action:      action,
		PerformedBy: performedBy,
		DetailsJSON: detailsJSON(details),
	}
	if err := e.Repo.InsertTimelineEntry(ctx, tx, entry); err != nil {
		return entry, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET updated_at=? WHERE id=?`, entry.TS, incidentID); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

// ExecutePlaybook runs the playbook's steps in order against the incident.
// A failing step is recorded in the timeline and does not stop later steps;
// the error return covers only incident/playbook lookup and storage
// failures.
func (e Engine) ExecutePlaybook(ctx context.Context, incidentID, playbookID, actorID string) error {
	inc, err := e.Repo.GetIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	pb, err := e.Catalog.Get(playbookID)
	if err != nil {
		if errors.Is(err, playbook.ErrNotFound) {
			return repo.ErrNotFound
		}
		return err
	}
	if actorID == "" {
		actorID = "system"
	}
	unlock := e.locks.acquire(incidentID)
	defer unlock()

	if _, err := e.appendTimeline(ctx, incidentID, "Started playbook: "+pb.Name, actorID, map[string]any{"playbook_id": pb.ID}); err != nil {
		return err
	}
	for _, step := range pb.Steps {
		result, stepErr := e.Catalog.ExecuteStep(ctx, step)
		if stepErr != nil {
			if _, err := e.appendTimeline(ctx, incidentID, "Failed step: "+step.Name, actorID, map[string]any{
				"step_id": step.ID, "error": stepErr.Error(),
			}); err != nil {
				return err
			}
			continue
		}
		details := map[string]any{"step_id": step.ID}
		if result != nil {
			details["result"] = result
		}
		if _, err := e.appendTimeline(ctx, incidentID, "Completed step: "+step.Name, actorID, details); err != nil {
			return err
		}
		if !step.Automated {
			if err := e.createStepActionItem(ctx, inc, pb, step); err != nil {
				return err
			}
		}
	}
	if _, err := e.appendTimeline(ctx, incidentID, "Completed playbook: "+pb.Name, actorID, map[string]any{"playbook_id": pb.ID}); err != nil {
		return err
	}
	return nil
}

func (e Engine) createStepActionItem(ctx context.Context, inc domain.Incident, pb playbook.Playbook, step playbook.Step) error {
	assignee := "security-team"
	if len(pb.RequiredRoles) > 0 {
		assignee = pb.RequiredRoles[0]
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	item := domain.ActionItem{
		ID:         "ACT-" + uuid.NewString()[:8],
		IncidentID: inc.ID,
		Action:     step.Name,
		Status:     domain.ActionPending,
		AssignedTo: assignee,
		Priority:   inc.Severity,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if step.Description != "" {
		item.Notes = &step.Description
	}
	if err := e.Repo.InsertActionItem(ctx, tx, item); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "incident.action_created", inc.ID, "action", item.ID, "system", events.EventPayload{
		"action": item.Action, "assigned_to": item.AssignedTo,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ActionUpdateOptions are parameters for updating an action item.
type ActionUpdateOptions struct {
	ID        string
	Status    string
	Notes     *string
	UpdatedBy string
}

func (e Engine) UpdateActionItem(ctx context.Context, opts ActionUpdateOptions) (domain.ActionItem, error) {
	if opts.Status != "" && !domain.ValidActionStatus(opts.Status) {
		return domain.ActionItem{}, fmt.Errorf("invalid action status %q", opts.Status)
	}
	if opts.UpdatedBy == "" {
		opts.UpdatedBy = "system"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActionItem{}, err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetActionItemTx(ctx, tx, opts.ID)
	if err != nil {
		return item, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	oldStatus := item.Status
	if opts.Status != "" {
		item.Status = opts.Status
		if opts.Status == domain.ActionCompleted && item.CompletedAt == nil {
			item.CompletedAt = &nowStr
		}
	}
	if opts.Notes != nil {
		item.Notes = opts.Notes
	}
	if err := e.Repo.UpdateActionItem(ctx, tx, item); err != nil {
		return item, err
	}
	if opts.Status != "" && opts.Status != oldStatus {
		entry := domain.TimelineEntry{
			IncidentID:  item.IncidentID,
			TS:          nowStr,
			Action:      fmt.Sprintf("Action item %s: %s", item.Status, item.Action),
			PerformedBy: opts.UpdatedBy,
			DetailsJSON: detailsJSON(map[string]any{"action_id": item.ID}),
		}
		if err := e.Repo.InsertTimelineEntry(ctx, tx, entry); err != nil {
			return item, err
		}
	}
	if err := e.Events.Append(ctx, tx, "incident.action_updated", item.IncidentID, "action", item.ID, opts.UpdatedBy, events.EventPayload{
		"from": oldStatus, "to": item.Status,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// GenerateReport computes a point-in-time summary. Initial response time is
// the gap between the second timeline entry and detection; zero when the
// creation entry is still the only one. Containment and recovery times stay
// unset until the matching timestamps exist.
func (e Engine) GenerateReport(ctx context.Context, incidentID string) (domain.Report, error) {
	inc, err := e.GetIncident(ctx, incidentID)
	if err != nil {
		return domain.Report{}, err
	}
	now := e.now().UTC()
	detected, err := time.Parse(time.RFC3339, inc.DetectedAt)
	if err != nil {
		return domain.Report{}, fmt.Errorf("incident %s detected_at: %w", inc.ID, err)
	}

	initialResponse := time.Duration(0)
	if len(inc.Timeline) > 1 {
		if second, err := time.Parse(time.RFC3339, inc.Timeline[1].TS); err == nil {
			initialResponse = second.Sub(detected)
		}
	}

	report := domain.Report{
		IncidentID:          inc.ID,
		GeneratedAt:         now.Format(time.RFC3339),
		Type:                inc.Type,
		Severity:            inc.Severity,
		Status:              inc.Status,
		Title:               inc.Title,
		DetectedAt:          inc.DetectedAt,
		ContainedAt:         inc.ContainedAt,
		ResolvedAt:          inc.ResolvedAt,
		InitialResponseTime: initialResponse.String(),
		Timeline:            inc.Timeline,
		EvidenceCount:       len(inc.Evidence),
		ActionsTotal:        len(inc.Actions),
		AffectedSystems:     inc.AffectedSystems,
		AffectedUsers:       inc.AffectedUsers,
		Recommendations:     recommend.Generate(inc, now),
	}
	for _, a := range inc.Actions {
		if a.Status == domain.ActionCompleted {
			report.ActionsCompleted++
		}
	}
	if inc.ContainedAt != nil {
		if t, err := time.Parse(time.RFC3339, *inc.ContainedAt); err == nil {
			d := t.Sub(detected).String()
			report.ContainmentTime = &d
		}
	}
	if inc.ResolvedAt != nil {
		if t, err := time.Parse(time.RFC3339, *inc.ResolvedAt); err == nil {
			d := t.Sub(detected).String()
			report.RecoveryTime = &d
		}
	}
	return report, nil
}

// ActiveIncidents returns incidents still being worked, newest detection
// first.
func (e Engine) ActiveIncidents(ctx context.Context) ([]domain.Incident, error) {
	return e.Repo.ListIncidents(ctx, repo.IncidentFilters{Active: true})
}

func (e Engine) ListIncidents(ctx context.Context, f repo.IncidentFilters) ([]domain.Incident, error) {
	return e.Repo.ListIncidents(ctx, f)
}

func (e Engine) emitMonitoring(ctx context.Context, category string, inc domain.Incident) {
	details := map[string]any{"incident_id": inc.ID, "type": inc.Type, "status": inc.Status}
	if watched := e.Config.WatchedSystems(inc.AffectedSystems); len(watched) > 0 {
		details["watched_systems"] = watched
	}
	ev := monitor.Event{
		Category: category,
		Severity: inc.Severity,
		Actor:    inc.ReportedBy,
		SourceIP: "system",
		Details:  details,
		TS:       e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Monitor.Emit(ctx, ev); err != nil {
		log.Printf("monitoring event %s for %s failed: %v", category, inc.ID, err)
	}
}

func (e Engine) sendNotification(ctx context.Context, inc domain.Incident) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Send(ctx, inc); err != nil {
		log.Printf("notification for %s failed: %v", inc.ID, err)
	}
}

func detailsJSON(details map[string]any) *string {
	if len(details) == 0 {
		return nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func sliceOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
