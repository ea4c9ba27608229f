package respondersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Responder HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Incident represents the API incident model (partial).
type Incident struct {
	ID                string   `json:"id"`
	Type              string   `json:"type"`
	Severity          string   `json:"severity"`
	Status            string   `json:"status"`
	Title             string   `json:"title"`
	AffectedSystems   []string `json:"affected_systems"`
	AffectedUsers     []string `json:"affected_users"`
	DetectedAt        string   `json:"detected_at"`
	ContainedAt       *string  `json:"contained_at,omitempty"`
	ResolvedAt        *string  `json:"resolved_at,omitempty"`
	PlaybookExecution string   `json:"playbook_execution"`
}

// Evidence represents an evidence entry.
type Evidence struct {
	ID          string  `json:"id"`
	IncidentID  string  `json:"incident_id"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Location    string  `json:"location,omitempty"`
	CollectedAt string  `json:"collected_at"`
	CollectedBy string  `json:"collected_by"`
	Hash        *string `json:"hash,omitempty"`
}

// ActionItem represents a follow-up task.
type ActionItem struct {
	ID         string `json:"id"`
	IncidentID string `json:"incident_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to"`
	Priority   string `json:"priority"`
}

// Report represents a generated incident report.
type Report struct {
	IncidentID          string   `json:"incident_id"`
	GeneratedAt         string   `json:"generated_at"`
	Status              string   `json:"status"`
	InitialResponseTime string   `json:"initial_response_time"`
	ContainmentTime     *string  `json:"containment_time,omitempty"`
	RecoveryTime        *string  `json:"recovery_time,omitempty"`
	EvidenceCount       int      `json:"evidence_count"`
	ActionsTotal        int      `json:"actions_total"`
	ActionsCompleted    int      `json:"actions_completed"`
	Recommendations     []string `json:"recommendations"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	IncidentID string         `json:"incident_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedIncidents wraps list responses with cursors.
type PaginatedIncidents struct {
	Items      []Incident `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ReportIncident creates an incident.
func (c *Client) ReportIncident(ctx context.Context, incidentType, severity, title string, systems, users []string) (Incident, error) {
	body := map[string]any{
		"type":             incidentType,
		"severity":         severity,
		"title":            title,
		"affected_systems": systems,
		"affected_users":   users,
	}
	var resp Incident
	err := c.do(ctx, http.MethodPost, "v0/incidents", body, &resp)
	return resp, err
}

// GetIncident fetches one incident by id.
func (c *Client) GetIncident(ctx context.Context, id string) (Incident, error) {
	var resp Incident
	err := c.do(ctx, http.MethodGet, "v0/incidents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateStatus moves an incident through the lifecycle.
func (c *Client) UpdateStatus(ctx context.Context, id, status, details string) (Incident, error) {
	body := map[string]any{"status": status}
	if details != "" {
		body["details"] = details
	}
	var resp Incident
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v0/incidents/%s/status", url.PathEscape(id)), body, &resp)
	return resp, err
}

// AddEvidence attaches evidence to an incident.
func (c *Client) AddEvidence(ctx context.Context, incidentID, evidenceType, description, location string) (Evidence, error) {
	body := map[string]any{
		"type":        evidenceType,
		"description": description,
		"location":    location,
	}
	var resp Evidence
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/incidents/%s/evidence", url.PathEscape(incidentID)), body, &resp)
	return resp, err
}

// ExecutePlaybook runs a playbook against an incident.
func (c *Client) ExecutePlaybook(ctx context.Context, incidentID, playbookID string) (Incident, error) {
	body := map[string]any{"playbook_id": playbookID}
	var resp Incident
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/incidents/%s/playbook", url.PathEscape(incidentID)), body, &resp)
	return resp, err
}

// Report fetches the generated report for an incident.
func (c *Client) Report(ctx context.Context, incidentID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/incidents/%s/report", url.PathEscape(incidentID)), nil, &resp)
	return resp, err
}

// ActiveIncidents lists incidents not yet recovered or closed.
func (c *Client) ActiveIncidents(ctx context.Context) ([]Incident, error) {
	var resp []Incident
	err := c.do(ctx, http.MethodGet, "v0/incidents/active", nil, &resp)
	return resp, err
}

// Incidents returns a paginated incident listing.
func (c *Client) Incidents(ctx context.Context, limit int, cursor string) (PaginatedIncidents, error) {
	endpoint := "v0/incidents"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedIncidents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Actions lists action items for an incident.
func (c *Client) Actions(ctx context.Context, incidentID string) ([]ActionItem, error) {
	var resp []ActionItem
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/incidents/%s/actions", url.PathEscape(incidentID)), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
