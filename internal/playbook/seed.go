package playbook

import "context"

// Seed registers the built-in remediation procedures. The automated actions
// here only record intent; wiring them to real infrastructure is deployment
// specific.
func Seed(c *Catalog) {
	c.Add(Playbook{
		ID:            "pb-data-breach-critical",
		Name:          "Critical Data Breach Response",
		IncidentType:  "data_breach",
		Severity:      "critical",
		Description:   "Contain a confirmed exposure of sensitive data and start the disclosure track.",
		RequiredRoles: []string{"security-lead", "legal"},
		Steps: []Step{
			{
				ID:        "isolate-systems",
				Name:      "Isolate affected systems",
				Automated: true,
				Run: func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"isolated": true}, nil
				},
				Rollback: func(ctx context.Context) error { return nil },
				Verify:   func(ctx context.Context) (bool, error) { return true, nil },
			},
			{
				ID:        "rotate-credentials",
				Name:      "Rotate exposed credentials",
				Automated: true,
				Run: func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"rotated": true}, nil
				},
			},
			{
				ID:          "engage-legal",
				Name:        "Engage legal counsel",
				Description: "Assess disclosure obligations with legal before any external communication.",
				Automated:   false,
			},
			{
				ID:        "notify-affected",
				Name:      "Notify affected parties",
				Automated: false,
			},
		},
	})

	c.Add(Playbook{
		ID:            "pb-ddos-high",
		Name:          "DDoS Mitigation",
		IncidentType:  "ddos",
		Severity:      "high",
		Description:   "Shed attack traffic and keep the service reachable.",
		RequiredRoles: []string{"network-ops"},
		Steps: []Step{
			{
				ID:        "enable-rate-limiting",
				Name:      "Enable edge rate limiting",
				Automated: true,
				Run: func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"rate_limited": true}, nil
				},
				Rollback: func(ctx context.Context) error { return nil },
			},
			{
				ID:        "activate-scrubbing",
				Name:      "Activate traffic scrubbing",
				Automated: true,
				Run: func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"scrubbing": true}, nil
				},
				Verify: func(ctx context.Context) (bool, error) { return true, nil },
			},
			{
				ID:        "contact-upstream",
				Name:      "Contact upstream provider",
				Automated: false,
			},
		},
	})

	c.Add(Playbook{
		ID:            "pb-account-compromise-high",
		Name:          "Account Compromise Containment",
		IncidentType:  "account_compromise",
		Severity:      "high",
		Description:   "Lock out the attacker and restore account integrity.",
		RequiredRoles: []string{"security-team"},
		Steps: []Step{
			{
				ID:        "suspend-account",
				Name:      "Suspend compromised account",
				Automated: true,
				Run: func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"suspended": true}, nil
				},
				Rollback: func(ctx context.Context) error { return nil },
			},
			{
				ID:        "revoke-sessions",
				Name:      "Revoke sessions and API tokens",
				Automated: true,
				Run: func(ctx context.Context) (map[string]any, error) {
					return map[string]any{"revoked": true}, nil
				},
			},
			{
				ID:          "review-activity",
				Name:        "Review account activity",
				Description: "Audit recent logins and actions performed while compromised.",
				Automated:   false,
			},
		},
	})
}
