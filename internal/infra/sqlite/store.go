package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"

	_ "modernc.org/sqlite"
)

// Store keeps questions and the leaderboard in a single SQLite file.
// Timestamps are stored as unix seconds.
type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed, opens the file and ensures
// the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates missing tables. Existing tables are left as they are,
// even when they lack columns the fetch strategies would like to use.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'multiple_choice',
		title TEXT,
		body TEXT,
		options TEXT,
		answer_key TEXT,
		explanation TEXT,
		topic TEXT,
		published_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS leaderboard (
		community_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		correct INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL,
		PRIMARY KEY (community_id, user_id)
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CountQuestions(ctx context.Context, kind string) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM questions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM questions WHERE kind = ?`, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

func (s *Store) QuestionAt(ctx context.Context, q app.QuestionQuery) (domain.RawQuestion, bool, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT CAST(id AS TEXT), COALESCE(kind, ''), COALESCE(title, ''), COALESCE(body, ''),
		COALESCE(options, ''), COALESCE(answer_key, ''), COALESCE(explanation, ''),
		COALESCE(topic, ''), published_at FROM questions`)
	args := make([]any, 0, 2)
	if q.Kind != "" {
		sb.WriteString(" WHERE kind = ?")
		args = append(args, q.Kind)
	}
	if q.ByPublished {
		sb.WriteString(" ORDER BY published_at ASC NULLS LAST, id ASC")
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}
	sb.WriteString(" LIMIT 1 OFFSET ?")
	args = append(args, q.Offset)

	var (
		row       domain.RawQuestion
		options   string
		published sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, sb.String(), args...).Scan(
		&row.ID, &row.Kind, &row.Title, &row.Body, &options,
		&row.AnswerKey, &row.Explanation, &row.Topic, &published,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RawQuestion{}, false, nil
	}
	if err != nil {
		return domain.RawQuestion{}, false, fmt.Errorf("load question: %w", err)
	}
	if options != "" {
		row.Options = json.RawMessage(options)
	}
	if published.Valid {
		ts := time.Unix(published.Int64, 0).UTC()
		row.PublishedAt = &ts
	}
	return row, true, nil
}

// InsertQuestion stores a question, replacing any row with the same id.
func (s *Store) InsertQuestion(ctx context.Context, row domain.RawQuestion) (string, error) {
	kind := row.Kind
	if kind == "" {
		kind = app.DefaultQuestionKind
	}
	options := string(row.Options)
	if options == "" {
		options = "[]"
	}
	var published any
	if row.PublishedAt != nil {
		published = row.PublishedAt.Unix()
	}
	var id any
	if row.ID != "" {
		id = row.ID
	}

	var out string
	err := s.db.QueryRowContext(ctx, `INSERT INTO questions
		(id, kind, title, body, options, answer_key, explanation, topic, published_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind, title = excluded.title, body = excluded.body,
			options = excluded.options, answer_key = excluded.answer_key,
			explanation = excluded.explanation, topic = excluded.topic,
			published_at = excluded.published_at
		RETURNING CAST(id AS TEXT)`,
		id, kind, row.Title, row.Body, options, row.AnswerKey, row.Explanation, row.Topic, published,
	).Scan(&out)
	if err != nil {
		return "", fmt.Errorf("insert question: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertLeaderboard(ctx context.Context, row domain.LeaderboardRow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO leaderboard
		(community_id, user_id, display_name, correct, total, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (community_id, user_id) DO UPDATE SET
			display_name = excluded.display_name,
			correct = excluded.correct,
			total = excluded.total,
			submitted_at = excluded.submitted_at`,
		row.CommunityID, row.UserID, row.DisplayName, row.Correct, row.Total, row.SubmittedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert leaderboard: %w", err)
	}
	return nil
}

func (s *Store) TopLeaderboard(ctx context.Context, communityID string, limit int) ([]domain.LeaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT community_id, user_id, display_name, correct, total, submitted_at
		FROM leaderboard WHERE community_id = ?
		ORDER BY correct DESC, total ASC, submitted_at ASC, user_id ASC
		LIMIT ?`, communityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []domain.LeaderboardRow
	for rows.Next() {
		var (
			r         domain.LeaderboardRow
			submitted int64
		)
		if err := rows.Scan(&r.CommunityID, &r.UserID, &r.DisplayName, &r.Correct, &r.Total, &submitted); err != nil {
			return nil, fmt.Errorf("scan leaderboard row: %w", err)
		}
		r.SubmittedAt = time.Unix(submitted, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
