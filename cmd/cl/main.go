package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chapterline/internal/app"
	"chapterline/internal/domain"
	"chapterline/internal/engine"
	"chapterline/internal/narrative"
	"chapterline/internal/period"
	"chapterline/internal/repo"
	"chapterline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Chapterline CLI",
	Long: `Chapterline turns a person's activity history into periodic chapters.
- Workspace: the .chapterline directory holding the database; chapterline.yml tunes generation and evidence.
- Owner: the person whose activities, goals and arcs are imported and summarized.
- Template: a cadence (weekly, monthly, yearly, manual), a kind (reflection, report) and an optional filter.
- Chapter: one generated narrative per template and period, moving pending -> ready or failed.
- Runs: 'cl schedule' processes every enabled template; 'cl run' processes one owner on demand.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CHAPTERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner", "", "owner id")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded in the event log")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/chapterline.yml)")
	for _, name := range []string{"workspace", "json", "owner", "actor-id", "verbose", "config"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(chapterCmd())
	rootCmd.AddCommand(periodCmd())
	rootCmd.AddCommand(profilesCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default chapterline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, created, err := app.Init(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(map[string]any{"config": path, "created": created})
			})
		},
	}
}

func importCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import activities, goals and arcs for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			if file == "" {
				return fmt.Errorf("--file required")
			}
			snap, err := app.LoadSnapshotFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.ImportSnapshot(ctx, owner, snap, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON snapshot file")
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage chapter templates"}
	cmd.AddCommand(templateCreateCmd())
	cmd.AddCommand(templateListCmd())
	cmd.AddCommand(templateToggleCmd("enable", true))
	cmd.AddCommand(templateToggleCmd("disable", false))
	return cmd
}

func templateCreateCmd() *cobra.Command {
	var opts engine.TemplateCreateOptions
	var cadence, kind, detail, filterFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			opts.OwnerID = owner
			opts.ActorID = viper.GetString("actor-id")
			opts.Cadence = domain.Cadence(cadence)
			opts.Kind = domain.Kind(kind)
			opts.Detail = domain.Detail(detail)
			if filterFile != "" {
				f, err := loadFilterFile(filterFile)
				if err != nil {
					return err
				}
				opts.Filter = f
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printTemplates([]domain.Template{t})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "template name")
	cmd.Flags().StringVar(&cadence, "cadence", "weekly", "weekly, monthly, yearly or manual")
	cmd.Flags().StringVar(&kind, "kind", "", "reflection or report")
	cmd.Flags().StringVar(&detail, "detail", "", "short, medium or deep")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "", "IANA zone (defaults to config)")
	cmd.Flags().BoolVar(&opts.Disabled, "disabled", false, "create disabled")
	cmd.Flags().StringVar(&filterFile, "filter-file", "", "JSON filter definition")
	return cmd
}

func loadFilterFile(path string) (*domain.FilterSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f domain.FilterSpec
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse filter %s: %w", path, err)
	}
	return &f, nil
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the owner's templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTemplates(ctx, owner)
				if err != nil {
					return err
				}
				return printTemplates(items)
			})
		},
	}
}

func templateToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <template-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTemplateEnabled(ctx, owner, args[0], enabled, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printTemplates([]domain.Template{t})
			})
		},
	}
}

func runCmd() *cobra.Command {
	var opts engine.BatchOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate chapters for one owner now",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			opts.Mode = engine.ModeManual
			opts.OwnerID = owner
			opts.ActorID = viper.GetString("actor-id")
			return runBatch(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "template id (defaults to every enabled template)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "max templates to process")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "regenerate ready chapters")
	cmd.Flags().IntVar(&opts.PeriodsBack, "periods-back", 0, "periods before the latest completed one")
	cmd.Flags().StringVar(&opts.Start, "start", "", "custom range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.End, "end", "", "custom range end, exclusive (YYYY-MM-DD)")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run every enabled scheduled template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), engine.BatchOptions{
				Mode: engine.ModeScheduled, Limit: limit, ActorID: viper.GetString("actor-id"),
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max templates to process")
	return cmd
}

func runBatch(ctx context.Context, opts engine.BatchOptions) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		res, err := e.RunBatch(ctx, opts)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(res)
		}
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Template", "Owner", "Period", "Outcome", "Reason", "Chapter"})
		for _, r := range res.Results {
			tw.AppendRow(table.Row{r.TemplateID, r.OwnerID, r.PeriodKey, r.Outcome, r.Reason, r.ChapterID})
		}
		tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d processed", res.Processed),
			fmt.Sprintf("%d generated, %d skipped, %d failed", res.Generated, res.Skipped, res.Failed), ""})
		tw.Render()
		return nil
	})
}

func chapterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chapter", Short: "Read generated chapters"}
	cmd.AddCommand(chapterListCmd())
	cmd.AddCommand(chapterShowCmd())
	cmd.AddCommand(chapterEventsCmd())
	return cmd
}

func chapterListCmd() *cobra.Command {
	var f repo.ChapterFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chapters, newest period first",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			f.OwnerID = owner
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChapters(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Template", "Period", "Label", "Status", "Updated"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.TemplateID, c.PeriodKey, c.PeriodLabel, c.Status, c.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template id")
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, ready or failed")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max chapters")
	return cmd
}

func chapterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <chapter-id>",
		Short: "Show one chapter with its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetChapter(ctx, owner, args[0])
				if err != nil {
					return err
				}
				return printJSON(server.ChapterView(c, true))
			})
		},
	}
}

func chapterEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events <chapter-id>",
		Short: "Show the lifecycle events of a chapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireOwner()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ChapterEvents(ctx, owner, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func periodCmd() *cobra.Command {
	var req period.Request
	var cadence string
	cmd := &cobra.Command{
		Use:   "period",
		Short: "Preview the period a cadence resolves to",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Cadence = domain.Cadence(cadence)
			req.Now = time.Now()
			p := period.Resolve(req)
			if p == nil {
				return errors.New("no period to process")
			}
			return printJSONOrTable(map[string]any{"period": p, "echo": p.Echo(), "days": p.Days()})
		},
	}
	cmd.Flags().StringVar(&cadence, "cadence", "weekly", "weekly, monthly, yearly or manual")
	cmd.Flags().StringVar(&req.Timezone, "timezone", "UTC", "IANA zone")
	cmd.Flags().IntVar(&req.PeriodsBack, "periods-back", 0, "periods before the latest completed one")
	cmd.Flags().StringVar(&req.Start, "start", "", "custom range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.End, "end", "", "custom range end, exclusive (YYYY-MM-DD)")
	return cmd
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Show the generation profile for each kind and detail level",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := narrative.Profiles()
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Kind", "Detail", "Max tokens", "Temperature", "Min body", "Min citations"})
			for _, p := range items {
				tw.AppendRow(table.Row{p.Kind, p.Detail, p.MaxOutputTokens, p.Temperature, p.MinBodyChars, p.MinCitations})
			}
			tw.Render()
			return nil
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				key := "cl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				rec := domain.APIKey{ID: uuid.NewString(), ActorID: actor, Name: name, KeyHash: repo.HashAPIKey(key), CreatedAt: now}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				for _, role := range roles {
					if err := r.AssignRole(ctx, tx, actor, role, now); err != nil {
						return err
					}
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": rec.ID, "actor_id": actor, "key": key, "roles": roles})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to grant the actor (e.g. scheduler)")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func roleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "role", Short: "Grant or revoke actor roles"}
	var actor, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.AssignRole(ctx, nil, actor, role, time.Now().UTC().Format(time.RFC3339))
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeRole(ctx, nil, actor, role)
			})
		},
	}
	for _, c := range []*cobra.Command{grant, revoke} {
		c.Flags().StringVar(&actor, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", repo.RoleScheduler, "role")
		cmd.AddCommand(c)
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CHAPTERLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
				DevLogin:               devLogin,
				Logger:                 ws.Engine.Logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("CHAPTERLINE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = ws.Config.Server.Addr
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: ws.Engine.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			ws.Engine.Logger.Info("serving chapterline api", "addr", addr, "base_path", basePath,
				"docs", basePath+"/docs", "generator", ws.Engine.Generator != nil)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr in config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token")
	return cmd
}

// --- helpers ---

func requireOwner() (string, error) {
	owner := strings.TrimSpace(viper.GetString("owner"))
	if owner == "" {
		return "", fmt.Errorf("--owner required (or CHAPTERLINE_OWNER)")
	}
	return owner, nil
}

func openWorkspace(ctx context.Context) (*app.Workspace, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		Verbose:    viper.GetBool("verbose"),
		ConfigPath: viper.GetString("config"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine.Repo)
}

func printTemplates(items []domain.Template) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Cadence", "Kind", "Detail", "Timezone", "Enabled", "Filtered"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Name, t.Cadence, t.Kind, t.Detail, t.Timezone, t.Enabled, t.Filter != nil})
	}
	tw.Render()
	return nil
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
