package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuestionSource reads the questions table. Every column except id is
// coalesced so rows written by other tools still scan; shape checks happen
// later in app.Normalize.
type QuestionSource struct {
	pool *pgxpool.Pool
}

func NewQuestionSource(pool *pgxpool.Pool) *QuestionSource {
	return &QuestionSource{pool: pool}
}

const selectQuestionColumns = `SELECT id::text, COALESCE(kind, ''), COALESCE(title, ''), COALESCE(body, ''),
	COALESCE(options::text, ''), COALESCE(answer_key, ''), COALESCE(explanation, ''),
	COALESCE(topic, ''), published_at FROM questions`

func (s *QuestionSource) CountQuestions(ctx context.Context, kind string) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM questions`).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT count(*) FROM questions WHERE kind = $1`, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count questions: %w", err)
	}
	return n, nil
}

func (s *QuestionSource) QuestionAt(ctx context.Context, q app.QuestionQuery) (domain.RawQuestion, bool, error) {
	query, args := buildQuestionQuery(q)

	var (
		row       domain.RawQuestion
		options   string
		published *time.Time
	)
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&row.ID, &row.Kind, &row.Title, &row.Body, &options,
		&row.AnswerKey, &row.Explanation, &row.Topic, &published,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RawQuestion{}, false, nil
	}
	if err != nil {
		return domain.RawQuestion{}, false, fmt.Errorf("load question: %w", err)
	}
	if options != "" {
		row.Options = json.RawMessage(options)
	}
	row.PublishedAt = published
	return row, true, nil
}

// buildQuestionQuery renders the single-row lookup for one fetch strategy.
func buildQuestionQuery(q app.QuestionQuery) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(selectQuestionColumns)

	args := make([]interface{}, 0, 2)
	if q.Kind != "" {
		args = append(args, q.Kind)
		sb.WriteString(" WHERE kind = $1")
	}
	if q.ByPublished {
		sb.WriteString(" ORDER BY published_at ASC NULLS LAST, id ASC")
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}
	args = append(args, q.Offset)
	fmt.Fprintf(&sb, " OFFSET $%d LIMIT 1", len(args))
	return sb.String(), args
}

// InsertQuestion stores a question, replacing any row with the same numeric id.
// Rows without an id get one from the sequence.
func (s *QuestionSource) InsertQuestion(ctx context.Context, row domain.RawQuestion) (string, error) {
	kind := row.Kind
	if kind == "" {
		kind = app.DefaultQuestionKind
	}
	options := string(row.Options)
	if options == "" {
		options = "[]"
	}

	var id string
	var err error
	if row.ID == "" {
		err = s.pool.QueryRow(ctx, `INSERT INTO questions
			(kind, title, body, options, answer_key, explanation, topic, published_at)
			VALUES ($1, $2, NULLIF($3, ''), $4::jsonb, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
			RETURNING id::text`,
			kind, row.Title, row.Body, options, row.AnswerKey, row.Explanation, row.Topic, row.PublishedAt,
		).Scan(&id)
	} else {
		err = s.pool.QueryRow(ctx, `INSERT INTO questions
			(id, kind, title, body, options, answer_key, explanation, topic, published_at)
			VALUES ($1::bigint, $2, $3, NULLIF($4, ''), $5::jsonb, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind, title = EXCLUDED.title, body = EXCLUDED.body,
				options = EXCLUDED.options, answer_key = EXCLUDED.answer_key,
				explanation = EXCLUDED.explanation, topic = EXCLUDED.topic,
				published_at = EXCLUDED.published_at
			RETURNING id::text`,
			row.ID, kind, row.Title, row.Body, options, row.AnswerKey, row.Explanation, row.Topic, row.PublishedAt,
		).Scan(&id)
		if err == nil {
			// Keep the sequence ahead of explicit ids.
			_, err = s.pool.Exec(ctx, `SELECT setval(pg_get_serial_sequence('questions', 'id'),
				GREATEST((SELECT max(id) FROM questions), 1))`)
		}
	}
	if err != nil {
		return "", fmt.Errorf("insert question: %w", err)
	}
	return id, nil
}
