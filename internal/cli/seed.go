package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"quizbot/internal/app"
	"quizbot/internal/config"
	"quizbot/internal/domain"
	pgstore "quizbot/internal/infra/postgres"
	"quizbot/internal/infra/sqlite"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// questionWriter is implemented by the stores that can be seeded.
type questionWriter interface {
	InsertQuestion(ctx context.Context, row domain.RawQuestion) (string, error)
}

type seedFile struct {
	Questions []seedQuestion `yaml:"questions"`
}

// seedQuestion accepts options as any YAML list; they are stored as JSON.
type seedQuestion struct {
	domain.RawQuestion `yaml:",inline"`
	Options            interface{} `yaml:"options"`
}

// NewSeedCmd loads questions from a YAML file into the configured database.
func NewSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <questions.yaml>",
		Short: "Insert questions from a YAML file into Postgres or SQLite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			defer logger.Sync()

			rows, err := loadSeedFile(args[0])
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), cfg, rows, logger)
		},
	}
}

// loadSeedFile parses and validates every question before anything is written.
func loadSeedFile(path string) ([]domain.RawQuestion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Questions) == 0 {
		return nil, fmt.Errorf("%s: %w", path, domain.ErrEmptyCorpus)
	}

	rows := make([]domain.RawQuestion, 0, len(file.Questions))
	for i, q := range file.Questions {
		row := q.RawQuestion
		if q.Options != nil {
			encoded, err := json.Marshal(q.Options)
			if err != nil {
				return nil, fmt.Errorf("question %d: encode options: %w", i+1, err)
			}
			row.Options = encoded
		}
		if row.Kind == "" {
			row.Kind = app.DefaultQuestionKind
		}
		if _, err := app.Normalize(row); err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func runSeed(ctx context.Context, cfg config.Config, rows []domain.RawQuestion, logger *zap.Logger) error {
	var writer questionWriter
	switch {
	case cfg.Postgres.URL != "":
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		writer = pgstore.NewQuestionSource(pool)
	case cfg.SQLite.Path != "":
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		writer = store
	default:
		return fmt.Errorf("seed needs postgres.url or sqlite.path")
	}

	return seedQuestions(ctx, writer, rows, logger)
}

func seedQuestions(ctx context.Context, writer questionWriter, rows []domain.RawQuestion, logger *zap.Logger) error {
	for i, row := range rows {
		id, err := writer.InsertQuestion(ctx, row)
		if err != nil {
			return fmt.Errorf("question %d: %w", i+1, err)
		}
		logger.Debug("seeded question", zap.String("id", id), zap.String("title", row.Title))
	}
	logger.Info("questions seeded", zap.Int("count", len(rows)))
	return nil
}
