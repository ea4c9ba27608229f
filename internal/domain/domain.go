package domain

// Incident types and severities are closed enums; anything else is rejected
// at creation time.
const (
	TypeDataBreach        = "data_breach"
	TypeMalware           = "malware"
	TypeRansomware        = "ransomware"
	TypeAccountCompromise = "account_compromise"
	TypeDDoS              = "ddos"
	TypeInsiderThreat     = "insider_threat"
	TypePhysicalSecurity  = "physical_security"
	TypeSupplyChain       = "supply_chain"
	TypeOther             = "other"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

const (
	StatusDetected   = "detected"
	StatusTriaged    = "triaged"
	StatusContained  = "contained"
	StatusEradicated = "eradicated"
	StatusRecovered  = "recovered"
	StatusClosed     = "closed"
)

// Playbook execution progress for the background run kicked off on critical
// incidents. "none" means no playbook was applicable.
const (
	PlaybookRunNone      = "none"
	PlaybookRunPending   = "pending"
	PlaybookRunRunning   = "running"
	PlaybookRunCompleted = "completed"
	PlaybookRunFailed    = "failed"
)

var IncidentTypes = []string{
	TypeDataBreach, TypeMalware, TypeRansomware, TypeAccountCompromise,
	TypeDDoS, TypeInsiderThreat, TypePhysicalSecurity, TypeSupplyChain, TypeOther,
}

var Severities = []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

var Statuses = []string{
	StatusDetected, StatusTriaged, StatusContained,
	StatusEradicated, StatusRecovered, StatusClosed,
}

// ActiveStatuses are the lifecycle states in which an incident still needs
// attention; recovered and closed incidents are excluded.
var ActiveStatuses = []string{StatusDetected, StatusTriaged, StatusContained, StatusEradicated}

func ValidIncidentType(v string) bool { return contains(IncidentTypes, v) }
func ValidSeverity(v string) bool     { return contains(Severities, v) }
func ValidStatus(v string) bool      { return contains(Statuses, v) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type Incident struct {
	ID                string          `json:"id"`
	Type              string          `json:"type" enum:"data_breach,malware,ransomware,account_compromise,ddos,insider_threat,physical_security,supply_chain,other"`
	Severity          string          `json:"severity" enum:"critical,high,medium,low"`
	Status            string          `json:"status" enum:"detected,triaged,contained,eradicated,recovered,closed"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	AffectedSystems   []string        `json:"affected_systems"`
	AffectedUsers     []string        `json:"affected_users"`
	ReportedBy        string          `json:"reported_by"`
	AssignedTo        *string         `json:"assigned_to,omitempty"`
	DetectedAt        string          `json:"detected_at" format:"date-time"`
	ContainedAt       *string         `json:"contained_at,omitempty" format:"date-time"`
	ResolvedAt        *string         `json:"resolved_at,omitempty" format:"date-time"`
	Timeline          []TimelineEntry `json:"timeline"`
	Evidence          []Evidence      `json:"evidence"`
	Actions           []ActionItem    `json:"actions"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	PlaybookExecution string          `json:"playbook_execution" enum:"none,pending,running,completed,failed"`
	UpdatedAt         string          `json:"updated_at" format:"date-time"`
}

// TimelineEntry is immutable once appended; entries are stored in insertion
// order, which is chronological by construction.
type TimelineEntry struct {
	ID          int64   `json:"id"`
	IncidentID  string  `json:"incident_id"`
	TS          string  `json:"ts" format:"date-time"`
	Action      string  `json:"action"`
	PerformedBy string  `json:"performed_by"`
	DetailsJSON *string `json:"details_json,omitempty"`
}

const (
	EvidenceLog            = "log"
	EvidenceScreenshot     = "screenshot"
	EvidenceMemoryDump     = "memory_dump"
	EvidenceNetworkCapture = "network_capture"
	EvidenceFile           = "file"
	EvidenceOther          = "other"
)

var EvidenceTypes = []string{
	EvidenceLog, EvidenceScreenshot, EvidenceMemoryDump,
	EvidenceNetworkCapture, EvidenceFile, EvidenceOther,
}

func ValidEvidenceType(v string) bool { return contains(EvidenceTypes, v) }

type Evidence struct {
	ID          string  `json:"id"`
	IncidentID  string  `json:"incident_id"`
	Type        string  `json:"type" enum:"log,screenshot,memory_dump,network_capture,file,other"`
	Description string  `json:"description"`
	Location    string  `json:"location"`
	CollectedAt string  `json:"collected_at" format:"date-time"`
	CollectedBy string  `json:"collected_by"`
	Hash        *string `json:"hash,omitempty"`
}

const (
	ActionPending    = "pending"
	ActionInProgress = "in_progress"
	ActionCompleted  = "completed"
	ActionFailed     = "failed"
)

var ActionStatuses = []string{ActionPending, ActionInProgress, ActionCompleted, ActionFailed}

func ValidActionStatus(v string) bool { return contains(ActionStatuses, v) }

// ActionItem tracks a manual follow-up, typically synthesized for
// non-automated playbook steps. Priority mirrors the incident severity.
type ActionItem struct {
	ID          string  `json:"id"`
	IncidentID  string  `json:"incident_id"`
	Action      string  `json:"action"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,failed"`
	AssignedTo  string  `json:"assigned_to"`
	Priority    string  `json:"priority" enum:"critical,high,medium,low"`
	DueAt       *string `json:"due_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Notes       *string `json:"notes,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	IncidentID string `json:"incident_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Report is a point-in-time summary of an incident produced on demand.
type Report struct {
	IncidentID          string          `json:"incident_id"`
	GeneratedAt         string          `json:"generated_at" format:"date-time"`
	Type                string          `json:"type"`
	Severity            string          `json:"severity"`
	Status              string          `json:"status"`
	Title               string          `json:"title"`
	DetectedAt          string          `json:"detected_at" format:"date-time"`
	ContainedAt         *string         `json:"contained_at,omitempty" format:"date-time"`
	ResolvedAt          *string         `json:"resolved_at,omitempty" format:"date-time"`
	InitialResponseTime string          `json:"initial_response_time"`
	ContainmentTime     *string         `json:"containment_time,omitempty"`
	RecoveryTime        *string         `json:"recovery_time,omitempty"`
	Timeline            []TimelineEntry `json:"timeline"`
	EvidenceCount       int             `json:"evidence_count"`
	ActionsTotal        int             `json:"actions_total"`
	ActionsCompleted    int             `json:"actions_completed"`
	AffectedSystems     []string        `json:"affected_systems"`
	AffectedUsers       []string        `json:"affected_users"`
	Recommendations     []string        `json:"recommendations"`
}
