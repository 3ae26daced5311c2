package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/engine"
	"atelier/internal/migrate"
	"atelier/internal/notify"
	"atelier/internal/outbox"
	"atelier/internal/repo"
	"atelier/internal/server"
	ateliersdk "atelier/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "Atelier CLI",
	Long: `Atelier schedules studio meetings and tracks participant consensus.
- Workspace: your .atelier directory holding the database and outbox.
- Meeting: a scheduled activity with invitees; starts pending, becomes
  confirmed when everyone accepts or cancelled as soon as anyone rejects.
- Chat: each meeting has an append-only message thread; the engine posts
  system messages on scheduling, confirmation, and cancellation.
- Outbox: decisions recorded while offline, replayed against a server
  with 'atelier outbox replay'.
- Event log: diary of changes, view with 'atelier log tail'.`,
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
	viper.SetEnvPrefix("ATELIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(meetingCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func meetingCmd() *cobra.Command {
	m := &cobra.Command{Use: "meeting", Short: "Manage meetings"}
	m.AddCommand(meetingCreateCmd())
	m.AddCommand(meetingListCmd())
	m.AddCommand(meetingShowCmd())
	m.AddCommand(meetingDecideCmd())
	m.AddCommand(meetingChatCmd())
	m.AddCommand(meetingDeleteCmd())
	return m
}

func meetingCreateCmd() *cobra.Command {
	var subject, location, description, startsAt, endsAt, kind string
	var participants []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a meeting",
		RunE: func(cmd *cobra.Command, args []string) error {
			starts, err := time.Parse(time.RFC3339, startsAt)
			if err != nil {
				return fmt.Errorf("invalid --starts-at: %w", err)
			}
			ends, err := time.Parse(time.RFC3339, endsAt)
			if err != nil {
				return fmt.Errorf("invalid --ends-at: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMeeting(ctx, engine.MeetingCreateOptions{
					Subject:        subject,
					Location:       location,
					Description:    description,
					StartsAt:       starts,
					EndsAt:         ends,
					Kind:           kind,
					CreatorID:      viper.GetString("user-id"),
					ParticipantIDs: participants,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "meeting subject")
	cmd.Flags().StringVar(&location, "location", "", "location or virtual link")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&startsAt, "starts-at", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&endsAt, "ends-at", "", "end time (RFC3339)")
	cmd.Flags().StringVar(&kind, "kind", "", "virtual or in_person")
	cmd.Flags().StringSliceVar(&participants, "participant", nil, "invitee user id (repeatable)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("starts-at")
	_ = cmd.MarkFlagRequired("ends-at")
	return cmd
}

func meetingListCmd() *cobra.Command {
	var status string
	var admin bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible meetings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMeetings(ctx, repo.MeetingFilters{
					UserID: viper.GetString("user-id"),
					Admin:  admin,
					Status: status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Starts", "Kind", "Status", "Creator"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Subject, m.StartsAt, m.Kind, m.Status, m.CreatorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, confirmed, cancelled)")
	cmd.Flags().BoolVar(&admin, "all", false, "list every meeting, not just visible ones")
	return cmd
}

func meetingShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a meeting with participants and chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				details, err := e.GetMeetingDetails(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(details)
				}
				fmt.Printf("%s [%s] %s to %s\n", details.Meeting.Subject, details.Meeting.Status, details.Meeting.StartsAt, details.Meeting.EndsAt)
				if details.Meeting.Location != "" {
					fmt.Printf("at %s\n", details.Meeting.Location)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Participant", "Decision", "Decided at"})
				for _, p := range details.Participants {
					decided := ""
					if p.DecidedAt != nil {
						decided = *p.DecidedAt
					}
					tw.AppendRow(table.Row{p.UserID, p.Status, decided})
				}
				tw.Render()
				for _, msg := range details.Messages {
					author := "system"
					if msg.AuthorID != nil {
						author = *msg.AuthorID
					}
					fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, author, msg.Content)
				}
				return nil
			})
		},
	}
	return cmd
}

func meetingDecideCmd() *cobra.Command {
	var decision string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Record an accept/reject decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RecordDecision(ctx, args[0], viper.GetString("user-id"), decision)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "accepted or rejected")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func meetingChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <id> <message>",
		Short: "Post a chat message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.PostMessage(ctx, args[0], viper.GetString("user-id"), args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	return cmd
}

func meetingDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a meeting (creator only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMeeting(ctx, args[0], viper.GetString("user-id"))
			})
		},
	}
	return cmd
}

func channelCmd() *cobra.Command {
	ch := &cobra.Command{Use: "channel", Short: "Manage push notification channels"}
	ch.AddCommand(channelRegisterCmd())
	ch.AddCommand(channelRemoveCmd())
	return ch
}

func channelRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <token>",
		Short: "Register a push token for the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RegisterChannel(ctx, viper.GetString("user-id"), args[0])
			})
		},
	}
	return cmd
}

func channelRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <token>",
		Short: "Remove a push token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveChannel(ctx, viper.GetString("user-id"), args[0])
			})
		},
	}
	return cmd
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{
		Use:   "outbox",
		Short: "Offline decision queue",
		Long:  "Decisions recorded while disconnected; replay them against a server once connectivity returns.",
	}
	ob.AddCommand(outboxAddCmd())
	ob.AddCommand(outboxListCmd())
	ob.AddCommand(outboxReplayCmd())
	ob.AddCommand(outboxStatusCmd())
	ob.AddCommand(outboxClearCmd())
	return ob
}

func outboxPath() string {
	return filepath.Join(viper.GetString("workspace"), ".atelier", "outbox.db")
}

func withOutbox(fn func(*outbox.Store) error) error {
	store, err := outbox.Open(outboxPath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func outboxAddCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "add <meeting-id>",
		Short: "Queue an accept/reject decision while offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(func(store *outbox.Store) error {
				id, err := store.Enqueue(cmd.Context(), kind, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				fmt.Println("queued", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "accept or reject")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func outboxListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(func(store *outbox.Store) error {
				actions, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Meeting", "User", "Enqueued"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ID, a.Kind, a.MeetingID, a.UserID, a.EnqueuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func outboxReplayCmd() *cobra.Command {
	var serverURL, token, apiKey string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay queued decisions against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				return fmt.Errorf("--server required")
			}
			client := ateliersdk.New(serverURL)
			client.BearerToken = token
			client.APIKey = apiKey
			return withOutbox(func(store *outbox.Store) error {
				res, err := store.ReplayAll(cmd.Context(), client)
				if err != nil {
					return err
				}
				fmt.Printf("replayed %d, %d still queued\n", len(res.Succeeded), len(res.Failed))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key")
	return cmd
}

func outboxStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pending sync count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(func(store *outbox.Store) error {
				n, err := store.Pending(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("%d pending action(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func outboxClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop all queued actions and cached data (logout)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(func(store *outbox.Store) error {
				return store.ClearAll(cmd.Context())
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: meetings, decisions, messages, and channels.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			if cfg.Notify.Endpoint != "" {
				e.Notifier = notify.NewHTTPDispatcher(cfg.Notify.Endpoint, time.Duration(cfg.Notify.TimeoutSeconds)*time.Second)
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ATELIER_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ATELIER_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Atelier API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
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
