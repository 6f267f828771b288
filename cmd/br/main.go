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

	"bidreach/internal/app"
	"bidreach/internal/config"
	"bidreach/internal/db"
	"bidreach/internal/domain"
	"bidreach/internal/engine"
	"bidreach/internal/engine/classify"
	"bidreach/internal/repo"
	"bidreach/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "br",
	Short: "Bidreach CLI",
	Long: `Bidreach turns accepted bid requests into contractor outreach campaigns.
A bid request names a project and a zip code; discovery finds matching
contractors; each contractor gets a campaign that works through email, sms
and voice with per-channel retry budgets until someone responds, opts out,
or the budgets run dry. Every change lands in an append-only event log.`,
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
	viper.SetEnvPrefix("BIDREACH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(contractorCmd())
	rootCmd.AddCommand(inboundCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
}

func submitCmd() *cobra.Command {
	var opts engine.BidRequestOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a bid request and open campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessBidRequest(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Project %s: %d campaigns\n", res.ProjectID, len(res.Campaigns))
				for _, c := range res.Campaigns {
					fmt.Printf("  %s  %s (%s)\n", c.CampaignID, c.Contractor, c.State)
				}
				if res.Message != "" {
					fmt.Println(res.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "external project id")
	cmd.Flags().StringVar(&opts.ZipCode, "zip", "", "project zip code")
	cmd.Flags().StringVar(&opts.ProjectType, "type", "", "project type, e.g. plumbing")
	cmd.Flags().StringVar(&opts.ProjectDetails, "details", "", "free-text project details")
	cmd.Flags().StringVar(&opts.BidLink, "bid-link", "", "URL for submitting a bid")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("zip")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func statusCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show outreach status for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Status(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Project: %s (%d campaigns, complete=%v)\n", s.ProjectID, s.Campaigns, s.Complete)
				fmt.Println("States:")
				for state, n := range s.States {
					fmt.Printf("  %s: %d\n", state, n)
				}
				if len(s.Outcomes) > 0 {
					fmt.Println("Outcomes:")
					for outcome, n := range s.Outcomes {
						fmt.Printf("  %s: %d\n", outcome, n)
					}
				}
				if len(s.Responded) > 0 {
					fmt.Printf("Responded: %s\n", strings.Join(s.Responded, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "campaigns",
		Short: "Inspect campaigns",
	}
	c.AddCommand(campaignListCmd())
	c.AddCommand(campaignShowCmd())
	return c
}

func campaignListCmd() *cobra.Command {
	var f repo.CampaignFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCampaigns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "State", "Outcome", "Next attempt"})
				for _, c := range items {
					outcome := ""
					if c.Outcome != nil {
						outcome = *c.Outcome
					}
					next := ""
					if c.NextAttemptAt != nil {
						next = *c.NextAttemptAt
					}
					tw.AppendRow(table.Row{c.ID, c.ProjectID, c.State, outcome, next})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func campaignShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one campaign with its attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCampaign(ctx, id)
				if err != nil {
					return err
				}
				attempts, err := e.Repo.ListAttempts(ctx, c.ID)
				if err != nil {
					return err
				}
				c.Attempts = attempts
				if viper.GetBool("json") {
					return printJSON(c)
				}
				outcome := ""
				if c.Outcome != nil {
					outcome = " (" + *c.Outcome + ")"
				}
				fmt.Printf("Campaign %s  project=%s  state=%s%s\n", c.ID, c.ProjectID, c.State, outcome)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Channel", "Status", "Detail", "Queued", "Completed"})
				for _, a := range attempts {
					detail := ""
					if a.Detail != nil {
						detail = *a.Detail
					}
					completed := ""
					if a.CompletedAt != nil {
						completed = *a.CompletedAt
					}
					tw.AppendRow(table.Row{a.Seq, a.Channel, a.Status, detail, a.QueuedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "campaign id")
	return cmd
}

func contractorCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "contractors",
		Short: "Inspect the contractor registry",
	}
	c.AddCommand(contractorListCmd())
	c.AddCommand(contractorArchiveCmd())
	return c
}

func contractorListCmd() *cobra.Command {
	var f repo.ContractorFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contractors",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.IncludeOptedOut = true
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListContractors(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Zip", "Phone", "Email", "Relevance", "Opted out"})
				for _, c := range items {
					optedOut := ""
					if c.OptedOutAt != nil {
						optedOut = *c.OptedOutAt
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.ZipCode, c.Phone, c.Email, c.Relevance, optedOut})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ZipCode, "zip", "", "zip code filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "include-archived", false, "include archived contractors")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func contractorArchiveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a contractor (kept for history, excluded from outreach)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ts := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.ArchiveContractor(ctx, id, ts); err != nil {
					return err
				}
				fmt.Printf("archived %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "contractor id")
	return cmd
}

func inboundCmd() *cobra.Command {
	var channel, ref, from, body, status string
	cmd := &cobra.Command{
		Use:   "inbound",
		Short: "Record an inbound message by hand",
		Long: `Apply an inbound message without going through a provider webhook.
Useful when a reply arrived out of band (a phone call logged by a human)
or when replaying a dropped callback.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ch := domain.Channel(channel)
			if !ch.Valid() {
				return fmt.Errorf("--channel must be email, sms or voice")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordInbound(ctx, ch, classify.Payload{
					ProviderRef: ref,
					From:        from,
					Body:        body,
					Status:      status,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel (email|sms|voice)")
	cmd.Flags().StringVar(&ref, "ref", "", "provider reference of the attempt")
	cmd.Flags().StringVar(&from, "from", "", "sender address or number")
	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringVar(&status, "status", "", "provider status, e.g. delivered")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass over due campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.RunDue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("processed %d campaigns\n", n)
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Project", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += ":" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "apikey",
		Short: "Manage operator API keys",
	}
	c.AddCommand(apikeyCreateCmd())
	c.AddCommand(apikeyListCmd())
	c.AddCommand(apikeyDeleteCmd())
	return c
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				record := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, record); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": record.ID, "actor_id": actor, "key": key})
				}
				fmt.Printf("id:  %s\nkey: %s\n", record.ID, key)
				fmt.Println("Store the key now; only its hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "display name")
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
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "api key id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage bidreach.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bidreach.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Bootstrap(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			if addr == "" {
				host := cfg.Server.Host
				if host == "" {
					host = "127.0.0.1"
				}
				port := cfg.Server.Port
				if port == 0 {
					port = 8085
				}
				addr = fmt.Sprintf("%s:%d", host, port)
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("BIDREACH_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Server.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" {
				fmt.Println("warning: no jwt secret configured, operator endpoints run open")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noDispatch {
				server.StartDispatch(cmd.Context(), rt.Engine)
			}
			server.StartNotifier(cmd.Context(), rt.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bidreach API on http://%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "serve the API without the background dispatcher")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Bootstrap(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
