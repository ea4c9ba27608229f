// Package recommend derives advisory follow-ups from an incident snapshot.
// Generation is pure: same snapshot in, same set of strings out.
package recommend

import (
	"time"

	"responder/internal/domain"
)

const (
	PriorityImmediate = "immediate"
	PriorityShortTerm = "short_term"
	PriorityLongTerm  = "long_term"
)

type entry struct {
	text     string
	priority string
}

var byType = map[string][]entry{
	domain.TypeDataBreach: {
		{"Enforce encryption for data at rest and in transit", PriorityImmediate},
		{"Implement data loss prevention tooling", PriorityImmediate},
		{"Review data access controls and least-privilege policies", PriorityLongTerm},
		{"Establish a data classification program", PriorityLongTerm},
		{"Conduct a third-party data handling audit", PriorityShortTerm},
	},
	domain.TypeMalware: {
		{"Deploy endpoint detection and response on all hosts", PriorityImmediate},
		{"Enable application allow-listing on critical servers", PriorityImmediate},
		{"Update and verify anti-malware signatures", PriorityShortTerm},
		{"Review email attachment filtering rules", PriorityShortTerm},
		{"Establish a malware analysis sandbox", PriorityLongTerm},
	},
	domain.TypeRansomware: {
		{"Improve backup and recovery procedures", PriorityShortTerm},
		{"Implement immutable offsite backups", PriorityImmediate},
		{"Enable network segmentation between business units", PriorityImmediate},
		{"Review and test the disaster recovery plan", PriorityLongTerm},
		{"Assess cyber insurance coverage for extortion events", PriorityLongTerm},
	},
	domain.TypeAccountCompromise: {
		{"Enforce multi-factor authentication for all accounts", PriorityImmediate},
		{"Implement anomalous login detection", PriorityImmediate},
		{"Review password policy and credential rotation cadence", PriorityShortTerm},
		{"Audit dormant and service accounts", PriorityShortTerm},
		{"Establish privileged access management", PriorityLongTerm},
	},
	domain.TypeDDoS: {
		{"Deploy upstream DDoS mitigation capacity", PriorityImmediate},
		{"Enable autoscaling for public-facing services", PriorityImmediate},
		{"Review rate-limiting thresholds at the edge", PriorityShortTerm},
		{"Establish a traffic baseline for anomaly detection", PriorityLongTerm},
		{"Create a provider escalation contact sheet", PriorityLongTerm},
	},
	domain.TypeInsiderThreat: {
		{"Implement user behavior analytics", PriorityImmediate},
		{"Review offboarding and access revocation procedures", PriorityShortTerm},
		{"Enforce separation of duties for sensitive operations", PriorityImmediate},
		{"Establish an insider threat program with HR and legal", PriorityLongTerm},
		{"Audit data exfiltration channels", PriorityShortTerm},
	},
	domain.TypePhysicalSecurity: {
		{"Review badge access logs and zone permissions", PriorityShortTerm},
		{"Deploy tamper detection on server room entry points", PriorityImmediate},
		{"Assess camera coverage of sensitive areas", PriorityShortTerm},
		{"Establish a visitor escort policy", PriorityLongTerm},
		{"Create a physical security incident drill schedule", PriorityLongTerm},
	},
	domain.TypeSupplyChain: {
		{"Implement software bill of materials tracking", PriorityImmediate},
		{"Review vendor security assessment coverage", PriorityShortTerm},
		{"Enforce signed artifacts in the build pipeline", PriorityImmediate},
		{"Establish contractual security requirements for suppliers", PriorityLongTerm},
		{"Assess blast radius of third-party integrations", PriorityShortTerm},
	},
	domain.TypeOther: {
		{"Conduct a root cause analysis", PriorityShortTerm},
		{"Review detection coverage for this class of event", PriorityShortTerm},
		{"Update incident classification guidance", PriorityLongTerm},
		{"Assess whether existing playbooks should cover this scenario", PriorityLongTerm},
		{"Create monitoring for recurrence indicators", PriorityShortTerm},
	},
}

var bySeverity = map[string][]entry{
	domain.SeverityCritical: {
		{"Conduct an executive-level incident debrief", PriorityShortTerm},
		{"Engage external incident response retainer", PriorityImmediate},
		{"Review crisis communication procedures", PriorityShortTerm},
		{"Assess regulatory notification obligations", PriorityImmediate},
	},
	domain.SeverityHigh: {
		{"Schedule a cross-team incident review", PriorityShortTerm},
		{"Review on-call escalation paths", PriorityShortTerm},
		{"Assess monitoring alert thresholds", PriorityShortTerm},
	},
	domain.SeverityMedium: {
		{"Document lessons learned in the team runbook", PriorityShortTerm},
		{"Review related alert tuning", PriorityShortTerm},
		{"Create follow-up tickets for residual risk", PriorityLongTerm},
	},
	domain.SeverityLow: {
		{"Record the event for trend analysis", PriorityLongTerm},
		{"Review whether automation could handle this class", PriorityLongTerm},
		{"Assess if severity classification guidance needs updating", PriorityLongTerm},
	},
}

var (
	postIncident = []entry{
		{"Conduct a post-incident review within two weeks", PriorityShortTerm},
		{"Create action items from the retrospective and track to closure", PriorityShortTerm},
		{"Review whether runbooks matched the actual response", PriorityLongTerm},
	}
	manyUsers = []entry{
		{"Prepare user-facing communication about the incident", PriorityImmediate},
		{"Establish a support channel for affected users", PriorityShortTerm},
		{"Review notification templates for large-scale incidents", PriorityLongTerm},
	}
	manySystems = []entry{
		{"Implement automated isolation for groups of affected systems", PriorityImmediate},
		{"Review network segmentation between the affected systems", PriorityShortTerm},
		{"Assess shared dependencies across the affected systems", PriorityShortTerm},
	}
	recurrence = []entry{
		{"Investigate why previous remediations did not prevent recurrence", PriorityShortTerm},
		{"Create a recurrence-specific detection rule", PriorityImmediate},
		{"Review systemic weaknesses behind repeat incidents", PriorityLongTerm},
	}
	slowContainment = []entry{
		{"Improve detection-to-containment tooling", PriorityShortTerm},
		{"Review alert routing that delayed the response", PriorityShortTerm},
		{"Deploy automated containment for this incident type", PriorityImmediate},
	}
	dataProtection = []entry{
		{"Verify integrity of data protection controls on affected stores", PriorityImmediate},
		{"Review data retention on the affected stores", PriorityShortTerm},
		{"Assess whether exposed data requires subject notification", PriorityImmediate},
	}
)

// priorityOf indexes every canned recommendation by text.
var priorityOf = func() map[string]string {
	idx := map[string]string{}
	add := func(entries []entry) {
		for _, e := range entries {
			idx[e.text] = e.priority
		}
	}
	for _, entries := range byType {
		add(entries)
	}
	for _, entries := range bySeverity {
		add(entries)
	}
	add(postIncident)
	add(manyUsers)
	add(manySystems)
	add(recurrence)
	add(slowContainment)
	add(dataProtection)
	return idx
}()

// Generate combines the four rule sets and deduplicates the result. Order
// follows rule-set concatenation order; callers must not depend on it beyond
// display. now anchors the slow-containment rule for incidents not yet
// contained.
func Generate(inc domain.Incident, now time.Time) []string {
	var out []entry
	t := inc.Type
	if _, ok := byType[t]; !ok {
		t = domain.TypeOther
	}
	out = append(out, byType[t]...)
	out = append(out, bySeverity[inc.Severity]...)

	if inc.Status == domain.StatusRecovered || inc.Status == domain.StatusClosed {
		out = append(out, postIncident...)
	}
	if len(inc.AffectedUsers) > 100 {
		out = append(out, manyUsers...)
	}
	if len(inc.AffectedSystems) > 5 {
		out = append(out, manySystems...)
	}
	if metadataNumber(inc.Metadata, "previous_incidents") > 0 {
		out = append(out, recurrence...)
	}
	if containmentGap(inc, now) > time.Hour {
		out = append(out, slowContainment...)
	}
	if metadataBool(inc.Metadata, "data_involved") {
		out = append(out, dataProtection...)
	}

	seen := map[string]bool{}
	var texts []string
	for _, e := range out {
		if seen[e.text] {
			continue
		}
		seen[e.text] = true
		texts = append(texts, e.text)
	}
	return texts
}

// Prioritized partitions recommendations into urgency buckets.
type Prioritized struct {
	Immediate []string `json:"immediate"`
	ShortTerm []string `json:"short_term"`
	LongTerm  []string `json:"long_term"`
}

// Prioritize buckets recommendations by their defined priority. Immediate
// items are demoted to short-term unless the incident is critical; text not
// in the catalog defaults to short-term.
func Prioritize(recs []string, severity string) Prioritized {
	var p Prioritized
	for _, text := range recs {
		switch priorityOf[text] {
		case PriorityImmediate:
			if severity == domain.SeverityCritical {
				p.Immediate = append(p.Immediate, text)
			} else {
				p.ShortTerm = append(p.ShortTerm, text)
			}
		case PriorityLongTerm:
			p.LongTerm = append(p.LongTerm, text)
		default:
			p.ShortTerm = append(p.ShortTerm, text)
		}
	}
	return p
}

func containmentGap(inc domain.Incident, now time.Time) time.Duration {
	detected, err := time.Parse(time.RFC3339, inc.DetectedAt)
	if err != nil {
		return 0
	}
	end := now
	if inc.ContainedAt != nil {
		if t, err := time.Parse(time.RFC3339, *inc.ContainedAt); err == nil {
			end = t
		}
	}
	return end.Sub(detected)
}

func metadataNumber(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func metadataBool(m map[string]any, key string) bool {
	v, ok := m[key].(bool)
	return ok && v
}
