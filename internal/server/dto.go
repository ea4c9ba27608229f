package server

import (
	"encoding/json"

	"responder/internal/domain"
	"responder/internal/playbook"
	"responder/internal/recommend"
)

// Request payloads

type CreateIncidentRequest struct {
	Type            string         `json:"type" enum:"data_breach,malware,ransomware,account_compromise,ddos,insider_threat,physical_security,supply_chain,other"`
	Severity        string         `json:"severity" enum:"critical,high,medium,low"`
	Title           string         `json:"title"`
	Description     *string        `json:"description,omitempty"`
	AffectedSystems []string       `json:"affected_systems,omitempty"`
	AffectedUsers   []string       `json:"affected_users,omitempty"`
	ReportedBy      string         `json:"reported_by,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type UpdateStatusRequest struct {
	Status  string  `json:"status" enum:"detected,triaged,contained,eradicated,recovered,closed"`
	Details *string `json:"details,omitempty"`
}

type AddEvidenceRequest struct {
	Type        string  `json:"type" enum:"log,screenshot,memory_dump,network_capture,file,other"`
	Description string  `json:"description"`
	Location    string  `json:"location,omitempty"`
	Hash        *string `json:"hash,omitempty"`
}

type AddTimelineEntryRequest struct {
	Action  string         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
}

type ExecutePlaybookRequest struct {
	PlaybookID string `json:"playbook_id"`
}

type UpdateActionRequest struct {
	Status *string `json:"status,omitempty" enum:"pending,in_progress,completed,failed"`
	Notes  *string `json:"notes,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type TimelineEntryResponse struct {
	TS          string         `json:"ts" format:"date-time"`
	Action      string         `json:"action"`
	PerformedBy string         `json:"performed_by"`
	Details     map[string]any `json:"details,omitempty"`
}

type EvidenceResponse struct {
	ID          string  `json:"id"`
	IncidentID  string  `json:"incident_id"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Location    string  `json:"location,omitempty"`
	CollectedAt string  `json:"collected_at" format:"date-time"`
	CollectedBy string  `json:"collected_by"`
	Hash        *string `json:"hash,omitempty"`
}

type ActionItemResponse struct {
	ID          string  `json:"id"`
	IncidentID  string  `json:"incident_id"`
	Action      string  `json:"action"`
	Status      string  `json:"status"`
	AssignedTo  string  `json:"assigned_to"`
	Priority    string  `json:"priority"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Notes       *string `json:"notes,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type IncidentResponse struct {
	ID                string                  `json:"id"`
	Type              string                  `json:"type"`
	Severity          string                  `json:"severity"`
	Status            string                  `json:"status"`
	Title             string                  `json:"title"`
	Description       string                  `json:"description,omitempty"`
	AffectedSystems   []string                `json:"affected_systems"`
	AffectedUsers     []string                `json:"affected_users"`
	ReportedBy        string                  `json:"reported_by"`
	AssignedTo        *string                 `json:"assigned_to,omitempty"`
	DetectedAt        string                  `json:"detected_at" format:"date-time"`
	ContainedAt       *string                 `json:"contained_at,omitempty" format:"date-time"`
	ResolvedAt        *string                 `json:"resolved_at,omitempty" format:"date-time"`
	Timeline          []TimelineEntryResponse `json:"timeline,omitempty"`
	Evidence          []EvidenceResponse      `json:"evidence,omitempty"`
	Actions           []ActionItemResponse    `json:"actions,omitempty"`
	Metadata          map[string]any          `json:"metadata,omitempty"`
	PlaybookExecution string                  `json:"playbook_execution"`
	UpdatedAt         string                  `json:"updated_at" format:"date-time"`
}

type PlaybookStepResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Automated   bool   `json:"automated"`
}

type PlaybookResponse struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	IncidentType  string                 `json:"incident_type"`
	Severity      string                 `json:"severity"`
	Description   string                 `json:"description,omitempty"`
	RequiredRoles []string               `json:"required_roles,omitempty"`
	Steps         []PlaybookStepResponse `json:"steps"`
}

type ReportResponse struct {
	IncidentID          string                  `json:"incident_id"`
	GeneratedAt         string                  `json:"generated_at" format:"date-time"`
	Type                string                  `json:"type"`
	Severity            string                  `json:"severity"`
	Status              string                  `json:"status"`
	Title               string                  `json:"title"`
	DetectedAt          string                  `json:"detected_at" format:"date-time"`
	ContainedAt         *string                 `json:"contained_at,omitempty" format:"date-time"`
	ResolvedAt          *string                 `json:"resolved_at,omitempty" format:"date-time"`
	InitialResponseTime string                  `json:"initial_response_time"`
	ContainmentTime     *string                 `json:"containment_time,omitempty"`
	RecoveryTime        *string                 `json:"recovery_time,omitempty"`
	Timeline            []TimelineEntryResponse `json:"timeline"`
	EvidenceCount       int                     `json:"evidence_count"`
	ActionsTotal        int                     `json:"actions_total"`
	ActionsCompleted    int                     `json:"actions_completed"`
	AffectedSystems     []string                `json:"affected_systems"`
	AffectedUsers       []string                `json:"affected_users"`
	Recommendations     []string                `json:"recommendations"`
}

type RecommendationsResponse struct {
	IncidentID      string   `json:"incident_id"`
	Recommendations []string `json:"recommendations"`
	Immediate       []string `json:"immediate"`
	ShortTerm       []string `json:"short_term"`
	LongTerm        []string `json:"long_term"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	IncidentID string         `json:"incident_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedIncidents struct {
	Items      []IncidentResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Mapping helpers

func timelineResponse(entries []domain.TimelineEntry) []TimelineEntryResponse {
	out := make([]TimelineEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := TimelineEntryResponse{TS: e.TS, Action: e.Action, PerformedBy: e.PerformedBy}
		if e.DetailsJSON != nil {
			_ = json.Unmarshal([]byte(*e.DetailsJSON), &resp.Details)
		}
		out = append(out, resp)
	}
	return out
}

func evidenceResponse(ev domain.Evidence) EvidenceResponse {
	return EvidenceResponse{
		ID:          ev.ID,
		IncidentID:  ev.IncidentID,
		Type:        ev.Type,
		Description: ev.Description,
		Location:    ev.Location,
		CollectedAt: ev.CollectedAt,
		CollectedBy: ev.CollectedBy,
		Hash:        ev.Hash,
	}
}

func mapEvidence(items []domain.Evidence) []EvidenceResponse {
	out := make([]EvidenceResponse, 0, len(items))
	for _, ev := range items {
		out = append(out, evidenceResponse(ev))
	}
	return out
}

func actionResponse(a domain.ActionItem) ActionItemResponse {
	return ActionItemResponse{
		ID:          a.ID,
		IncidentID:  a.IncidentID,
		Action:      a.Action,
		Status:      a.Status,
		AssignedTo:  a.AssignedTo,
		Priority:    a.Priority,
		DueAt:       a.DueAt,
		CompletedAt: a.CompletedAt,
		Notes:       a.Notes,
		CreatedAt:   a.CreatedAt,
	}
}

func mapActions(items []domain.ActionItem) []ActionItemResponse {
	out := make([]ActionItemResponse, 0, len(items))
	for _, a := range items {
		out = append(out, actionResponse(a))
	}
	return out
}

func incidentResponse(inc domain.Incident) IncidentResponse {
	return IncidentResponse{
		ID:                inc.ID,
		Type:              inc.Type,
		Severity:          inc.Severity,
		Status:            inc.Status,
		Title:             inc.Title,
		Description:       inc.Description,
		AffectedSystems:   inc.AffectedSystems,
		AffectedUsers:     inc.AffectedUsers,
		ReportedBy:        inc.ReportedBy,
		AssignedTo:        inc.AssignedTo,
		DetectedAt:        inc.DetectedAt,
		ContainedAt:       inc.ContainedAt,
		ResolvedAt:        inc.ResolvedAt,
		Timeline:          timelineResponse(inc.Timeline),
		Evidence:          mapEvidence(inc.Evidence),
		Actions:           mapActions(inc.Actions),
		Metadata:          inc.Metadata,
		PlaybookExecution: inc.PlaybookExecution,
		UpdatedAt:         inc.UpdatedAt,
	}
}

func mapIncidents(items []domain.Incident) []IncidentResponse {
	out := make([]IncidentResponse, 0, len(items))
	for _, inc := range items {
		out = append(out, incidentResponse(inc))
	}
	return out
}

func playbookResponse(pb playbook.Playbook) PlaybookResponse {
	steps := make([]PlaybookStepResponse, 0, len(pb.Steps))
	for _, s := range pb.Steps {
		steps = append(steps, PlaybookStepResponse{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Automated:   s.Automated,
		})
	}
	return PlaybookResponse{
		ID:            pb.ID,
		Name:          pb.Name,
		IncidentType:  pb.IncidentType,
		Severity:      pb.Severity,
		Description:   pb.Description,
		RequiredRoles: pb.RequiredRoles,
		Steps:         steps,
	}
}

func reportResponse(r domain.Report) ReportResponse {
	return ReportResponse{
		IncidentID:          r.IncidentID,
		GeneratedAt:         r.GeneratedAt,
		Type:                r.Type,
		Severity:            r.Severity,
		Status:              r.Status,
		Title:               r.Title,
		DetectedAt:          r.DetectedAt,
		ContainedAt:         r.ContainedAt,
		ResolvedAt:          r.ResolvedAt,
		InitialResponseTime: r.InitialResponseTime,
		ContainmentTime:     r.ContainmentTime,
		RecoveryTime:        r.RecoveryTime,
		Timeline:            timelineResponse(r.Timeline),
		EvidenceCount:       r.EvidenceCount,
		ActionsTotal:        r.ActionsTotal,
		ActionsCompleted:    r.ActionsCompleted,
		AffectedSystems:     r.AffectedSystems,
		AffectedUsers:       r.AffectedUsers,
		Recommendations:     r.Recommendations,
	}
}

func recommendationsResponse(incidentID string, recs []string, severity string) RecommendationsResponse {
	buckets := recommend.Prioritize(recs, severity)
	return RecommendationsResponse{
		IncidentID:      incidentID,
		Recommendations: recs,
		Immediate:       buckets.Immediate,
		ShortTerm:       buckets.ShortTerm,
		LongTerm:        buckets.LongTerm,
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		IncidentID: e.IncidentID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &resp.Payload)
	}
	return resp
}
