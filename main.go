package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"travel-chat/backend"
	"travel-chat/cli"
	"travel-chat/config"
	"travel-chat/database"
	"travel-chat/state"
	"travel-chat/stream"
	"travel-chat/web"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds the wired engine shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	kv       database.KV
	api      *backend.Client
	notifier *state.Notifier
	chat     *state.ChatStore
	sessions *state.SessionStore
	prefs    *state.PreferenceStore
	engine   *stream.Client
}

func bootstrap(ctx context.Context) (*app, error) {
	// Initialize logger with default level to load config
	tempLogger, err := config.InitLogger("info")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Load config (which includes log level setting)
	cfg := config.Load(tempLogger)

	// Re-initialize logger with configured level
	logger, err := config.InitLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to re-initialize logger with configured level: %w", err)
	}

	kv, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session storage: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		kv:       kv,
		api:      backend.New(cfg, logger),
		notifier: state.NewNotifier(),
	}
	a.chat = state.NewChatStore(kv, a.notifier, logger)
	a.sessions = state.NewSessionStore(kv, a.notifier, logger)
	a.prefs = state.NewPreferenceStore(a.notifier, logger)
	a.engine = stream.NewClient(a.api, a.chat, a.sessions, a.prefs, logger)
	return a, nil
}

func (a *app) close() {
	a.engine.Wait()
	if err := a.chat.SaveCurrentSession(context.Background()); err != nil {
		a.logger.Warn("Failed to save session on exit", zap.Error(err))
	}
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("Failed to close session storage", zap.Error(err))
	}
	config.Cleanup()
}

// withApp runs fn with a bootstrapped app and a signal-aware context.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func serve(ctx context.Context, a *app) error {
	var watcher *stream.Watcher
	if a.cfg.EventsEnabled {
		watcher = stream.NewWatcher(a.api, a.notifier, a.cfg.SSEReconnectDelay, a.logger)
		a.engine.OnSessionChange = watcher.Retarget
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.logger.Warn("Notification channel stopped", zap.Error(err))
			}
		}()
	}

	if err := a.engine.Init(ctx); err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}

	// Initialize cleanup service and start background cleanup routine
	cleanupService := web.NewCleanupService(a.kv, func(id string) bool {
		_, ok := a.sessions.Get(id)
		return ok
	}, a.logger)
	go web.StartCacheCleanup(ctx, a.cfg.CacheCleanupInterval, cleanupService, a.logger)

	deps := web.Dependencies{
		Engine:   a.engine,
		Chat:     a.chat,
		Sessions: a.sessions,
		Prefs:    a.prefs,
		Notifier: a.notifier,
		Health:   a.api,
	}
	if watcher != nil {
		deps.Connection = watcher
	}
	webServer := web.NewServer(deps, a.logger, a.cfg)

	port := fmt.Sprintf(":%d", a.cfg.WebPort)
	a.logger.Info("Starting travel chat web server", zap.String("port", port))
	return webServer.Start(ctx, port)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the browser chat UI",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, serve)
		},
	}
}

func newChatCmd() *cobra.Command {
	var opts struct {
		SessionID string
		New       bool
	}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the travel planner in the terminal",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.engine.Init(ctx); err != nil {
					return err
				}
				switch {
				case opts.New:
					if _, err := a.engine.NewChat(ctx); err != nil {
						return err
					}
				case opts.SessionID != "":
					if err := a.engine.SwitchSession(ctx, opts.SessionID); err != nil {
						return err
					}
				}

				repl := cli.NewREPL(a.engine, a.chat, a.sessions, a.prefs, a.notifier, cmd.InOrStdin(), cmd.OutOrStdout(), a.logger)
				return repl.Run(ctx)
			})
		},
	}

	cmd.Flags().StringVarP(&opts.SessionID, "session", "s", "", "Session to open")
	cmd.Flags().BoolVarP(&opts.New, "new", "n", false, "Start a new chat")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var opts struct {
		Local bool
	}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List chat sessions",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.sessions.Init(ctx); err != nil {
					return err
				}
				if !opts.Local {
					if err := a.sessions.FetchSessions(ctx, a.api); err != nil {
						a.logger.Warn("Could not refresh sessions, showing local catalog", zap.Error(err))
					}
				}
				cli.PrintSessions(cmd.OutOrStdout(), a.sessions.Sorted(), a.sessions.CurrentID())
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.Local, "local", "l", false, "Skip the refresh from the travel service")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "travel-chat",
		Short:        "Conversational travel planning client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, serve)
		},
	}
	rootCmd.AddCommand(newServeCmd(), newChatCmd(), newSessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
