package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"mitwatch/internal/app"
	"mitwatch/internal/catalog"
	"mitwatch/internal/config"
	"mitwatch/internal/db"
	"mitwatch/internal/domain"
	"mitwatch/internal/repo"
	"mitwatch/internal/server"
	"mitwatch/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "mw",
	Short: "mitwatch CLI",
	Long: `mitwatch attributes party mitigations to incoming hits.
Core concepts:
- Catalog: the mitigation library (triggers, durations, cooldowns, conflict groups).
- Session: one combat segment; analyzed hits are stored per session.
- Hit analysis: which mitigations were active on a hit and which were ready but unused.
- Overwrite: a mitigation replacing a still-running one in the same conflict group.
- Workspace: the directory holding mitwatch.yml and the .mitwatch database.
- Event log: journal of session and catalog changes, view with 'mw log tail'.`,
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
	viper.SetEnvPrefix("MITWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/mitwatch.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP ingest API and tick loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			logger := log.New(os.Stderr, "mitwatch: ", log.LstdFlags)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
			if err != nil {
				return fmt.Errorf("telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					logger.Printf("telemetry shutdown: %v", err)
				}
			}()

			var store *repo.Repo
			if cfg.Store.Enabled {
				r, conn, err := app.OpenStore(ctx, viper.GetString("workspace"))
				if err != nil {
					return err
				}
				defer conn.Close()
				store = r
			}
			m := app.NewMonitor(app.Options{
				Config: cfg,
				Store:  store,
				Logger: logger,
				Tracer: telemetry.Tracer(),
			})
			handler, err := server.New(server.Config{
				Monitor:         m,
				BasePath:        basePath,
				Auth:            authConfig(cfg, logger),
				OverwriteWindow: time.Duration(cfg.Overwrites.RetentionSeconds) * time.Second,
			})
			if err != nil {
				return err
			}

			go m.Run(ctx)
			go reloadOnHangup(ctx, m, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving mitwatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			err = srv.ListenAndServe()
			m.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// reloadOnHangup re-reads the config on SIGHUP and applies the reloadable
// parts to m.
func reloadOnHangup(ctx context.Context, m *app.Monitor, logger *log.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := loadConfig()
			if err != nil {
				logger.Printf("reload config: %v", err)
				continue
			}
			if err := m.ApplyConfig(ctx, cfg); err != nil {
				logger.Printf("apply config: %v", err)
				continue
			}
			logger.Printf("config reloaded")
		}
	}
}

func replayCmd() *cobra.Command {
	var filePath string
	var persist bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a recorded JSONL capture through the analyzer",
		Long:  "Each line is {\"type\":\"context|roster|usage|damage|death|tick\",\"ts\":...}. Line timestamps drive the clock.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()

			var store *repo.Repo
			if persist {
				r, conn, err := app.OpenStore(cmd.Context(), viper.GetString("workspace"))
				if err != nil {
					return err
				}
				defer conn.Close()
				store = r
			}
			logger := log.New(os.Stderr, "mitwatch: ", 0)
			m := app.NewMonitor(app.Options{Config: cfg, Store: store, Logger: logger})
			asJSON := viper.GetBool("json")
			var hits, fatal, overwrites int
			err = app.Replay(cmd.Context(), m, f, func(s app.ReplayStep) error {
				overwrites += len(s.Overwrites)
				if s.Fatal {
					fatal++
				}
				if s.Analysis != nil && s.Analysis.Analyzed {
					hits++
				}
				if asJSON {
					if s.Analysis == nil && len(s.Overwrites) == 0 && !s.Fatal && (s.Transition == nil || s.Transition.From == s.Transition.To) {
						return nil
					}
					return printJSONLine(s)
				}
				printStep(s)
				return nil
			})
			if err != nil {
				return err
			}
			if !asJSON {
				fmt.Printf("replayed %s: %d hits analyzed, %d overwrites, %d fatal\n", filePath, hits, overwrites, fatal)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to a JSONL capture")
	cmd.Flags().BoolVar(&persist, "persist", false, "store analyzed hits in the workspace database")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printStep(s app.ReplayStep) {
	ts := s.TS.UTC().Format("15:04:05.000")
	switch {
	case s.Transition != nil && s.Transition.Began:
		fmt.Printf("%s  line %d  combat began\n", ts, s.Line)
	case s.Transition != nil && s.Transition.Ended:
		fmt.Printf("%s  line %d  combat ended\n", ts, s.Line)
	case s.Transition != nil && s.Transition.Reset:
		fmt.Printf("%s  line %d  capture reset\n", ts, s.Line)
	}
	for _, o := range s.Overwrites {
		fmt.Printf("%s  line %d  overwrite: %s by %s replaced %s from %s (%.1fs left)\n",
			ts, s.Line, o.NewMitigationName, o.NewCasterName, o.OldMitigationName, o.OldCasterName, o.OldRemainingSecs)
	}
	if a := s.Analysis; a != nil && a.Analyzed {
		active := make([]string, 0, len(a.Active))
		for _, c := range a.Active {
			active = append(active, c.MitigationName)
		}
		missing := make([]string, 0, len(a.Missing))
		for _, mm := range a.Missing {
			missing = append(missing, fmt.Sprintf("%s(%s)", mm.MitigationName, mm.OwnerName))
		}
		fmt.Printf("%s  line %d  hit: active=[%s] missing=[%s] reduction=%.1f%%\n",
			ts, s.Line, strings.Join(active, ", "), strings.Join(missing, ", "), a.ReductionPercent)
	}
	if s.Fatal {
		fmt.Printf("%s  line %d  fatal\n", ts, s.Line)
	}
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{Use: "catalog", Short: "Inspect the mitigation library"}
	c.AddCommand(catalogShowCmd())
	c.AddCommand(catalogValidateCmd())
	c.AddCommand(catalogDefaultCmd())
	return c
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the enabled mitigations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat := catalog.New(cfg.Definitions())
			items := cat.Enabled()
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name", "Category", "Apply", "Duration", "Cooldown", "Group", "Jobs"})
			for _, d := range items {
				jobs := make([]string, 0, len(d.Jobs))
				for _, j := range d.Jobs {
					jobs = append(jobs, j.String())
				}
				tw.AppendRow(table.Row{d.ID, d.DisplayName(), d.Category, d.ApplyTo, d.DurationSeconds, d.CooldownSeconds, cat.ConflictGroup(d), strings.Join(jobs, ",")})
			}
			tw.AppendFooter(table.Row{"", fmt.Sprintf("%d enabled", len(items))})
			tw.Render()
			return nil
		},
	}
}

func catalogValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a mitigations YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var doc struct {
				Mitigations []domain.MitigationDefinition `yaml:"mitigations"`
			}
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("invalid catalog yaml: %w", err)
			}
			if err := catalog.Validate(doc.Mitigations); err != nil {
				return err
			}
			cat := catalog.New(doc.Mitigations)
			fmt.Printf("%s: %d mitigations, %d enabled\n", filePath, len(doc.Mitigations), cat.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML with a mitigations list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func catalogDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Print the built-in mitigation library",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := catalog.Default()
			if viper.GetBool("json") {
				return printJSON(defs)
			}
			out, err := yaml.Marshal(map[string]any{"mitigations": defs})
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default mitwatch.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return c
}

func sessionsCmd() *cobra.Command {
	c := &cobra.Command{Use: "sessions", Short: "Browse stored sessions"}
	c.AddCommand(sessionsListCmd())
	c.AddCommand(sessionsShowCmd())
	c.AddCommand(sessionsClearCmd())
	return c
}

func sessionsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				items, err := r.ListSessionSummaries(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Started", "Length", "Duty", "Hits", "Fatal"})
				for _, s := range items {
					length := "open"
					if s.EndedAt != nil {
						length = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
					}
					tw.AppendRow(table.Row{s.ID, humanize.Time(s.StartedAt), length, dutyLabel(s.Duty), s.EventCount, s.FatalCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the analyzed hits of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				s, err := r.GetSession(ctx, id)
				if err != nil {
					return err
				}
				hits, err := r.SessionEvents(ctx, id)
				if err != nil {
					return err
				}
				ows, err := r.SessionOverwrites(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "events": hits, "overwrites": ows})
				}
				fmt.Printf("Session %s in %s, started %s\n", s.ID, dutyLabel(s.Duty), humanize.Time(s.StartedAt))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Target", "Source", "Damage", "Reduced", "Active", "Missing", "Fatal"})
				for _, h := range hits {
					active := make([]string, 0, len(h.Active))
					for _, c := range h.Active {
						active = append(active, c.MitigationName)
					}
					fatal := ""
					if h.IsFatal {
						fatal = "x"
					}
					tw.AppendRow(table.Row{
						"+" + h.Timestamp.Sub(s.StartedAt).Round(100*time.Millisecond).String(),
						fmt.Sprintf("%s (%s)", h.TargetName, h.TargetJob),
						h.SourceName,
						humanize.Comma(int64(h.DamageAmount)),
						fmt.Sprintf("%.1f%%", h.ReductionPercent),
						strings.Join(active, ", "),
						len(h.Missing),
						fatal,
					})
				}
				tw.Render()
				if len(ows) > 0 {
					fmt.Printf("%d overwrites recorded\n", len(ows))
				}
				return nil
			})
		},
	}
}

func sessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored session and journal entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				if err := r.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Println("store cleared")
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r *repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, sessionID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(authConfig(cfg, nil), subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "overlay", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return app.LoadConfig(viper.GetString("workspace"))
}

func authConfig(cfg *config.Config, logger *log.Logger) server.AuthConfig {
	return server.AuthConfig{
		JWTSecret: cfg.Server.Auth.JWTSecret,
		Issuer:    cfg.Server.Auth.Issuer,
		Audience:  cfg.Server.Auth.Audience,
		Logger:    logger,
	}
}

func withRepo(ctx context.Context, fn func(context.Context, *repo.Repo) error) error {
	r, conn, err := app.OpenStore(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, r)
}

func dutyLabel(d domain.DutyContext) string {
	switch {
	case d.ContentName != "":
		return d.ContentName
	case d.TerritoryName != "":
		return d.TerritoryName
	default:
		return fmt.Sprintf("territory %d", d.TerritoryID)
	}
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

func printJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
