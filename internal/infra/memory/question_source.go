package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"quizbot/internal/app"
	"quizbot/internal/domain"
)

// QuestionSource is an in-memory question table (useful for tests/demos).
// It orders rows the way the SQL stores do: publish time (nulls last) then id.
type QuestionSource struct {
	mu      sync.RWMutex
	rows    []domain.RawQuestion
	missing map[string]bool
}

// SourceOption tweaks a QuestionSource.
type SourceOption func(*QuestionSource)

// WithoutColumn makes queries that depend on column ("kind" or "published_at")
// fail, mimicking a deployment whose table lacks it.
func WithoutColumn(column string) SourceOption {
	return func(s *QuestionSource) {
		s.missing[column] = true
	}
}

func NewQuestionSource(rows []domain.RawQuestion, opts ...SourceOption) *QuestionSource {
	s := &QuestionSource{
		rows:    append([]domain.RawQuestion(nil), rows...),
		missing: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends a row, as an operator inserting into the live table would.
func (s *QuestionSource) Add(row domain.RawQuestion) {
	s.mu.Lock()
	s.rows = append(s.rows, row)
	s.mu.Unlock()
}

func (s *QuestionSource) CountQuestions(_ context.Context, kind string) (int, error) {
	if kind != "" && s.missing["kind"] {
		return 0, fmt.Errorf("column kind does not exist")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filtered(kind)), nil
}

func (s *QuestionSource) QuestionAt(_ context.Context, q app.QuestionQuery) (domain.RawQuestion, bool, error) {
	if q.Kind != "" && s.missing["kind"] {
		return domain.RawQuestion{}, false, fmt.Errorf("column kind does not exist")
	}
	if q.ByPublished && s.missing["published_at"] {
		return domain.RawQuestion{}, false, fmt.Errorf("column published_at does not exist")
	}

	s.mu.RLock()
	rows := s.filtered(q.Kind)
	s.mu.RUnlock()

	sort.SliceStable(rows, func(i, j int) bool {
		if q.ByPublished {
			pi, pj := rows[i].PublishedAt, rows[j].PublishedAt
			switch {
			case pi == nil && pj != nil:
				return false
			case pi != nil && pj == nil:
				return true
			case pi != nil && pj != nil && !pi.Equal(*pj):
				return pi.Before(*pj)
			}
		}
		return idLess(rows[i].ID, rows[j].ID)
	})

	if q.Offset < 0 || q.Offset >= len(rows) {
		return domain.RawQuestion{}, false, nil
	}
	return rows[q.Offset], true, nil
}

func (s *QuestionSource) filtered(kind string) []domain.RawQuestion {
	out := make([]domain.RawQuestion, 0, len(s.rows))
	for _, row := range s.rows {
		if kind == "" || row.Kind == kind {
			out = append(out, row)
		}
	}
	return out
}

// idLess compares numeric ids numerically and everything else lexically.
func idLess(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}
