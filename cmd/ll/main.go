package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"loadline/internal/app"
	"loadline/internal/config"
	"loadline/internal/db"
	"loadline/internal/domain"
	"loadline/internal/engine"
	"loadline/internal/logging"
	"loadline/internal/repo"
	"loadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Loadline CLI",
	Long: `Loadline tracks declared workload across teams and reacts to it.
- Human state: each collaborator declares a workload (LOW/NORMAL/HIGH) and an availability.
- Tension: a team's load level computed on demand from its members' states and open requests.
- Reinforcement: a request for help that collaborators accept or refuse until it closes or expires.
- Reliability: an internal score recomputed whenever a collaborator declares or answers.
- Realtime: every change is pushed to websocket clients on /ws.`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("db", "", "database file (defaults to <workspace>/.loadline/loadline.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor recorded on setting changes")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(tensionCmd())
	rootCmd.AddCommand(reinforcementCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage loadline.yml",
		Long:  "loadline.yml holds the default tension thresholds, reliability bounds, server, auth and realtime broker settings. RH settings stored in the database override the thresholds at runtime.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default loadline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "***"
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate loadline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if cmd.Flags().Changed("dev-login") {
				cfg.Auth.AllowDevLogin = devLogin
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("LOADLINE_JWT_SECRET (or auth.jwt_secret) is required for bearer auth")
			}
			return withAppConfig(cmd.Context(), cfg, true, func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				ln, err := net.Listen("tcp", cfg.Server.Addr)
				if err != nil {
					return err
				}
				srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error { return a.Run(ctx) })
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				a.Logger.Info("serving loadline", "addr", ln.Addr().String(), "base_path", cfg.Server.BasePath,
					"broker", cfg.Realtime.Broker, "webhooks", len(cfg.Webhooks), "dev_login", cfg.Auth.AllowDevLogin)
				fmt.Printf("Serving Loadline API on http://%s%s (websocket at /ws, OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					ln.Addr().String(), cfg.Server.BasePath, cfg.Server.BasePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST <base-path>/auth/dev/token")
	return cmd
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams and memberships"}
	team.AddCommand(&cobra.Command{
		Use:   "create <id> <name>",
		Short: "Create a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTeam(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	})
	team.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				teams, err := a.Engine.ListTeams(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, t := range teams {
					tw.AppendRow(table.Row{t.ID, t.Name, t.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	team.AddCommand(&cobra.Command{
		Use:   "add-member <team-id> <user-id>",
		Short: "Add a member to a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Engine.AddTeamMember(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	})
	team.AddCommand(&cobra.Command{
		Use:   "remove-member <team-id> <user-id>",
		Short: "Remove a member from a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RemoveTeamMember(ctx, args[0], args[1])
			})
		},
	})
	return team
}

func stateCmd() *cobra.Command {
	state := &cobra.Command{Use: "state", Short: "Inspect or declare human states"}
	state.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.GetHumanState(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	})
	var workload, availability string
	set := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Declare workload and/or availability (onboards the user if needed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				userID := args[0]
				if _, err := a.Engine.GetHumanState(ctx, userID); errors.Is(err, repo.ErrNotFound) {
					if _, err := a.Engine.CreateHumanState(ctx, userID); err != nil {
						return err
					}
				} else if err != nil {
					return err
				}
				var patch engine.StatePatch
				if workload != "" {
					w := domain.Workload(strings.ToUpper(workload))
					patch.Workload = &w
				}
				if availability != "" {
					av := domain.Availability(strings.ToUpper(availability))
					patch.Availability = &av
				}
				s, err := a.Engine.UpdateHumanState(ctx, userID, patch)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	set.Flags().StringVar(&workload, "workload", "", "LOW, NORMAL or HIGH")
	set.Flags().StringVar(&availability, "availability", "", "AVAILABLE, MOBILISABLE or UNAVAILABLE")
	state.AddCommand(set)
	var limit int
	history := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show state history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.StateHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Changed", "Workload", "Availability"})
				for _, h := range items {
					tw.AppendRow(table.Row{
						h.ChangedAt.Format(time.RFC3339),
						fmt.Sprintf("%s -> %s", h.PriorState.Workload, h.NewState.Workload),
						fmt.Sprintf("%s -> %s", h.PriorState.Availability, h.NewState.Availability),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "number of entries")
	state.AddCommand(history)
	return state
}

func tensionCmd() *cobra.Command {
	tension := &cobra.Command{Use: "tension", Short: "Compute and inspect team tension"}
	tension.AddCommand(&cobra.Command{
		Use:   "compute <team-id>",
		Short: "Recompute a team's tension and notify listeners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Engine.ComputeTension(ctx, args[0])
				if err != nil {
					return err
				}
				if snap == nil {
					fmt.Println("team has no members; nothing computed")
					return nil
				}
				return printSnapshots([]domain.TensionSnapshot{*snap})
			})
		},
	})
	var limit int
	history := &cobra.Command{
		Use:   "history <team-id>",
		Short: "List tension snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.TensionHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printSnapshots(items)
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "number of snapshots")
	tension.AddCommand(history)
	return tension
}

func printSnapshots(items []domain.TensionSnapshot) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"Team", "Level", "Overload %", "Req/Avail", "Calculated"})
	for _, s := range items {
		tw.AppendRow(table.Row{
			s.TeamID, s.Level,
			fmt.Sprintf("%.1f", s.Metrics.OverloadPercentage),
			fmt.Sprintf("%.2f", s.Metrics.RequestToAvailabilityRatio),
			s.CalculatedAt.Format(time.RFC3339),
		})
	}
	tw.Render()
	return nil
}

func reinforcementCmd() *cobra.Command {
	rc := &cobra.Command{Use: "reinforcement", Short: "Manage reinforcement requests"}

	var skills []string
	var urgency int
	var expiresIn time.Duration
	create := &cobra.Command{
		Use:   "create <team-id>",
		Short: "Open a reinforcement request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.CreateReinforcement(ctx, engine.CreateReinforcementOptions{
					TeamID:         args[0],
					RequiredSkills: skills,
					UrgencyLevel:   urgency,
					ExpiresAt:      time.Now().UTC().Add(expiresIn),
				})
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	create.Flags().StringSliceVar(&skills, "skill", nil, "required skill (repeatable)")
	create.Flags().IntVar(&urgency, "urgency", 5, "urgency level 1-10")
	create.Flags().DurationVar(&expiresIn, "expires-in", 24*time.Hour, "time until the request expires")
	rc.AddCommand(create)

	var teamID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a team's requests, or every open request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListReinforcements(ctx, teamID)
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	list.Flags().StringVar(&teamID, "team", "", "team id")
	rc.AddCommand(list)

	rc.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Move every overdue open request to EXPIRED",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				expired, err := a.Engine.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("expired %d request(s)\n", len(expired))
				}
				return printRequests(expired)
			})
		},
	})

	rc.AddCommand(&cobra.Command{
		Use:   "respond <request-id> <user-id> <ACCEPTED|REFUSED>",
		Short: "Record a collaborator's answer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp, err := a.Engine.Respond(ctx, args[0], args[1], domain.ResponseKind(strings.ToUpper(args[2])))
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	})
	return rc
}

func printRequests(items []domain.ReinforcementRequest) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Team", "Status", "Urgency", "Skills", "Expires"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.TeamID, r.Status, r.UrgencyLevel, strings.Join(r.RequiredSkills, ","), r.ExpiresAt.Format(time.RFC3339)})
	}
	tw.Render()
	return nil
}

func settingsCmd() *cobra.Command {
	sc := &cobra.Command{Use: "settings", Short: "Manage RH settings"}
	sc.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListSettings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Key", "Value", "Updated by", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Key, s.Value, s.UpdatedBy, s.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Create or overwrite a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.SetSetting(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	})
	sc.AddCommand(&cobra.Command{
		Use:   "history <key>",
		Short: "Show a setting's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.SettingHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	return sc
}

func tokenCmd() *cobra.Command {
	var userID, email, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			p := domain.Principal{UserID: userID, Email: email, Role: domain.Role(strings.ToUpper(role))}
			tok, err := server.SignToken(cfg.Auth.JWTSecret, p, now, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "expires_at": now.Add(ttl)})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "subject user id")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleCollaborator), "ADMIN_RH, MANAGER or COLLABORATOR")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// --- helpers ---

// loadConfig reads loadline.yml (defaults when absent) and applies env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if broker := viper.GetString("broker"); broker != "" {
		cfg.Realtime.Broker = broker
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withAppConfig(ctx, cfg, false, fn)
}

// withAppConfig opens an instance for fn. Webhooks are delivered only by
// long-running commands; one-shot commands would exit with the queue unsent.
func withAppConfig(ctx context.Context, cfg *config.Config, webhooks bool, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		DBPath:    viper.GetString("db"),
		Config:    cfg,
		Logger:    logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format),
		Webhooks:  webhooks,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
