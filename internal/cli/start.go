package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/config"
	"quizbot/internal/domain"
	"quizbot/internal/infra/memory"
	pgstore "quizbot/internal/infra/postgres"
	redisstore "quizbot/internal/infra/redis"
	"quizbot/internal/infra/sqlite"
	"quizbot/internal/logging"
	"quizbot/internal/metrics"
	transport "quizbot/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewStartCmd builds the CLI subcommand to start the bot.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz bot gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	return logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

// backends holds whichever stores the config selected, plus their cleanup.
type backends struct {
	questions   app.QuestionSource
	leaderboard app.LeaderboardStore
	registry    app.SessionRegistry
	closers     []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends picks Postgres, then SQLite, then in-memory sample data for
// questions and the leaderboard, and Redis or memory for session state.
func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	switch {
	case cfg.Postgres.URL != "":
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.questions = pgstore.NewQuestionSource(pool)
		b.leaderboard = pgstore.NewLeaderboard(pool)
		logger.Info("using postgres store")
	case cfg.SQLite.Path != "":
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = store.Close() })
		b.questions = store
		b.leaderboard = store
		logger.Info("using sqlite store", zap.String("path", cfg.SQLite.Path))
	default:
		b.questions = memory.NewQuestionSource(sampleQuestions())
		b.leaderboard = memory.NewLeaderboard()
		logger.Warn("no database configured, serving built-in sample questions")
	}

	if cfg.Redis.Addr == "" {
		b.registry = memory.NewSessionRegistry()
		return b, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		b.close()
		return nil, err
	}
	b.closers = append(b.closers, func() { _ = client.Close() })
	registry := redisstore.NewSessionRegistryWithLease(client,
		config.TTLDuration(cfg.Redis.SessionTTL, 6*time.Hour),
		config.TTLDuration(cfg.Redis.LeaseTTL, redisstore.DefaultLeaseTTL))
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		registry.Run(heartbeatCtx, logger.Named("registry"))
	}()
	b.closers = append(b.closers, func() {
		stopHeartbeat()
		<-heartbeatDone
	})
	b.registry = registry
	b.questions = redisstore.NewQuestionCache(client, b.questions, config.TTLDuration(cfg.Quiz.CacheTTL, 10*time.Minute))
	logger.Info("using redis session registry", zap.String("addr", cfg.Redis.Addr))
	return b, nil
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()
	metrics.Init()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	gateway := transport.NewGateway(logger.Named("gateway"))
	reporter := app.NewLeaderboardReporter(b.leaderboard, logger.Named("leaderboard"))
	service := app.NewQuizService(
		b.registry,
		app.NewQuestionStore(b.questions, cfg.Quiz.QuestionKind, logger.Named("questions")),
		reporter,
		gateway,
		memory.NewStaticAuthorizer(cfg.Moderators),
		app.Options{
			AnswerTimeout:   config.TTLDuration(cfg.Quiz.AnswerTimeout, app.DefaultAnswerTimeout),
			ContinueTimeout: config.TTLDuration(cfg.Quiz.ContinueTimeout, app.DefaultContinueTimeout),
			Logger:          logger.Named("quiz"),
		},
	)
	defer service.Close()

	wsHandler := transport.NewWSHandler(service, gateway, logger.Named("ws"))
	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     transport.NewRouter(wsHandler, service, reporter, logger),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("starting quiz bot", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuestions lets the bot run without a database; point postgres.url or sqlite.path at real data in production.
func sampleQuestions() []domain.RawQuestion {
	return []domain.RawQuestion{
		{
			ID:          "1",
			Kind:        app.DefaultQuestionKind,
			Title:       "What is 2 + 2?",
			Options:     []byte(`[{"id":"o1","text":"3"},{"id":"o2","text":"4"},{"id":"o3","text":"5"}]`),
			AnswerKey:   "o2",
			Explanation: "Two pairs make four.",
			Topic:       "arithmetic",
		},
		{
			ID:          "2",
			Kind:        app.DefaultQuestionKind,
			Title:       "Which protocol does a websocket connection start as?",
			Options:     []byte(`[{"id":"ftp","text":"FTP"},{"id":"http","text":"HTTP"},{"id":"smtp","text":"SMTP"}]`),
			AnswerKey:   "http",
			Explanation: "The client sends an HTTP Upgrade request.",
			Topic:       "networking",
		},
		{
			ID:        "3",
			Kind:      app.DefaultQuestionKind,
			Title:     "Which planet is the largest in the solar system?",
			Options:   []byte(`[{"id":1,"text":"Mars"},{"id":2,"text":"Jupiter"},{"id":3,"text":"Venus"},{"id":4,"text":"Earth"}]`),
			AnswerKey: "2",
			Topic:     "astronomy",
		},
	}
}
