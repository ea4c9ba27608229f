package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"responder/internal/app"
	"responder/internal/config"
	"responder/internal/db"
	"responder/internal/domain"
	"responder/internal/engine"
	"responder/internal/recommend"
	"responder/internal/repo"
	"responder/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rsp",
	Short: "Responder CLI",
	Long: `Responder tracks security incidents through their response lifecycle.
Core concepts:
- Workspace: your .responder directory holding the incident database; responder.yml next to it configures channels and playbook timeouts.
- Incident: a reported security event with severity, affected systems/users, a timeline, evidence and follow-up actions.
- Lifecycle: detected -> triaged -> contained -> eradicated -> recovered -> closed; containment and recovery times are stamped on first entry.
- Playbooks: scripted response procedures matched by incident type and severity; automated steps run with timeouts and rollback, manual steps become action items.
- Evidence: logs, captures and dumps attached to an incident with an optional integrity hash.
- Recommendations: post-incident hardening advice derived from what happened.
- Event log: diary of every change, view with 'rsp log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RESPONDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{
		Use:   "incident",
		Short: "Manage incidents",
		Long:  "Incidents are the unit of response work. Report one, move it through the lifecycle, attach evidence and timeline entries, and generate a report when the dust settles.",
	}
	inc.AddCommand(incidentReportCmd())
	inc.AddCommand(incidentListCmd())
	inc.AddCommand(incidentShowCmd())
	inc.AddCommand(incidentStatusCmd())
	inc.AddCommand(incidentTimelineCmd())
	inc.AddCommand(incidentActiveCmd())
	inc.AddCommand(incidentSummaryCmd())
	inc.AddCommand(incidentRecommendCmd())
	return inc
}

func incidentReportCmd() *cobra.Command {
	var opts engine.IncidentCreateOptions
	var systems, users []string
	var metadataJSON string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a new incident",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AffectedSystems = systems
			opts.AffectedUsers = users
			opts.ReportedBy = viper.GetString("actor-id")
			if metadataJSON != "" {
				if err := json.Unmarshal([]byte(metadataJSON), &opts.Metadata); err != nil {
					return fmt.Errorf("invalid metadata JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.CreateIncident(ctx, opts)
				if err != nil {
					return err
				}
				e.WaitForPlaybooks()
				inc, err = e.GetIncident(ctx, inc.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "incident type")
	cmd.Flags().StringVar(&opts.Severity, "severity", "", "severity (critical, high, medium, low)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&systems, "system", []string{}, "affected system (repeatable)")
	cmd.Flags().StringArrayVar(&users, "user", []string{}, "affected user (repeatable)")
	cmd.Flags().StringVar(&metadataJSON, "metadata-json", "", "metadata JSON object")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("severity")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				incidents, err := e.ListIncidents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(incidents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Severity", "Status", "Detected"})
				for _, inc := range incidents {
					tw.AppendRow(table.Row{inc.ID, inc.Title, inc.Type, inc.Severity, inc.Status, inc.DetectedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.Severity, "severity", "", "severity filter")
	cmd.Flags().BoolVar(&f.Active, "active", false, "only active incidents")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func incidentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.GetIncident(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
	return cmd
}

func incidentStatusCmd() *cobra.Command {
	var status, details string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update incident status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.UpdateIncidentStatus(ctx, id, status, viper.GetString("actor-id"), details)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&details, "details", "", "details note")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func incidentTimelineCmd() *cobra.Command {
	var action, detailsJSON string
	cmd := &cobra.Command{
		Use:   "note <id>",
		Short: "Append a timeline entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var details map[string]any
			if detailsJSON != "" {
				if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
					return fmt.Errorf("invalid details JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.AddTimelineEntry(ctx, id, action, viper.GetString("actor-id"), details)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "what happened")
	cmd.Flags().StringVar(&detailsJSON, "details-json", "", "details JSON object")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func incidentActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "List active incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				incidents, err := e.ActiveIncidents(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(incidents)
			})
		},
	}
	return cmd
}

func incidentSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <id>",
		Short: "Generate incident report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.GenerateReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func incidentRecommendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recommend <id>",
		Short: "Show security recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.GetIncident(ctx, id)
				if err != nil {
					return err
				}
				recs := recommend.Generate(inc, time.Now().UTC())
				if viper.GetBool("json") {
					return printJSON(recommend.Prioritize(recs, inc.Severity))
				}
				buckets := recommend.Prioritize(recs, inc.Severity)
				printRecommendationBucket("Immediate", buckets.Immediate)
				printRecommendationBucket("Short term", buckets.ShortTerm)
				printRecommendationBucket("Long term", buckets.LongTerm)
				return nil
			})
		},
	}
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "evidence",
		Short: "Manage evidence",
		Long:  "Evidence entries preserve what you collected during response: logs, captures, dumps, screenshots. Each records who collected it, when, and an optional hash for integrity.",
	}
	ev.AddCommand(evidenceAddCmd())
	ev.AddCommand(evidenceListCmd())
	return ev
}

func evidenceAddCmd() *cobra.Command {
	var opts engine.EvidenceOptions
	cmd := &cobra.Command{
		Use:   "add <incident-id>",
		Short: "Attach evidence to an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			incidentID := args[0]
			opts.CollectedBy = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AddEvidence(ctx, incidentID, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "evidence type (log, screenshot, memory_dump, network_capture, file, other)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Location, "location", "", "storage location")
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "integrity hash")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <incident-id>",
		Short: "List evidence for an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			incidentID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvidence(ctx, incidentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func playbookCmd() *cobra.Command {
	pb := &cobra.Command{
		Use:   "playbook",
		Short: "Manage playbooks",
		Long:  "Playbooks are scripted response procedures keyed by incident type and severity. Automated steps run with a timeout and rollback; manual steps turn into action items for the team.",
	}
	pb.AddCommand(playbookListCmd())
	pb.AddCommand(playbookShowCmd())
	pb.AddCommand(playbookRunCmd())
	return pb
}

func playbookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items := e.Catalog.List()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Severity", "Steps"})
				for _, pb := range items {
					tw.AppendRow(table.Row{pb.ID, pb.Name, pb.IncidentType, pb.Severity, len(pb.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func playbookShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pb, err := e.Catalog.Get(id)
				if err != nil {
					return err
				}
				return printJSONOrTable(pb)
			})
		},
	}
	return cmd
}

func playbookRunCmd() *cobra.Command {
	var playbookID string
	cmd := &cobra.Command{
		Use:   "run <incident-id>",
		Short: "Execute a playbook against an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			incidentID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ExecutePlaybook(ctx, incidentID, playbookID, viper.GetString("actor-id")); err != nil {
					return err
				}
				inc, err := e.GetIncident(ctx, incidentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(inc)
			})
		},
	}
	cmd.Flags().StringVar(&playbookID, "playbook", "", "playbook id")
	_ = cmd.MarkFlagRequired("playbook")
	return cmd
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "action",
		Short: "Manage action items",
	}
	act.AddCommand(actionListCmd())
	act.AddCommand(actionUpdateCmd())
	return act
}

func actionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <incident-id>",
		Short: "List action items for an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			incidentID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActionItems(ctx, incidentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Status", "Assignee", "Priority"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Action, a.Status, a.AssignedTo, a.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func actionUpdateCmd() *cobra.Command {
	var status, notes string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update an action item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ActionUpdateOptions{
				ID:        args[0],
				Status:    status,
				UpdatedBy: viper.GetString("actor-id"),
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.UpdateActionItem(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (pending, in_progress, completed, failed)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook loaded from responder.yml: org identity, step timeouts, notification channels and severity routes, monitored systems.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default responder.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "default-org", "organization id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show incident counts",
		Long:  "See the scoreboard for your workspace: incident counts by lifecycle status and how many are still active.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountIncidentsByStatus(ctx)
				if err != nil {
					return err
				}
				active, err := e.ActiveIncidents(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"org_id":          e.Config.Org.ID,
					"incident_counts": counts,
					"active":          len(active),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Org: %s\n", e.Config.Org.ID)
				fmt.Printf("Active incidents: %d\n", len(active))
				fmt.Println("By status:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: incident changes, evidence, playbook runs, monitoring signals.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var incidentID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, incidentID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&incidentID, "incident", "", "incident id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.NewString() + uuid.NewString()[:8]
				key := domain.APIKey{
					ID:        "KEY-" + uuid.NewString()[:8],
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The raw key is shown once; only the hash is stored.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"key":      raw,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			appCtx, err := app.Setup(workspace)
			if err != nil {
				return err
			}
			defer appCtx.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("RESPONDER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("RESPONDER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: appCtx.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartFeedDispatcher(appCtx.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Responder API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	appCtx, err := app.Setup(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecommendationBucket(label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	for _, item := range items {
		fmt.Printf("  - %s\n", item)
	}
}
