package app

import (
	"context"
	"errors"
	"sync"

	"quizbot/internal/domain"
	"quizbot/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultQuestionKind is the kind tag multiple-choice rows carry in the question table.
const DefaultQuestionKind = "multiple_choice"

// QuestionQuery selects a single row from the question table.
type QuestionQuery struct {
	// Kind filters by kind tag; empty means no filter.
	Kind string
	// ByPublished orders by publish time before id; otherwise by id only.
	ByPublished bool
	Offset      int
}

// QuestionSource is the external question table. Implementations must order
// rows stably; a query against a column the deployment lacks should return an error.
type QuestionSource interface {
	CountQuestions(ctx context.Context, kind string) (int, error)
	QuestionAt(ctx context.Context, query QuestionQuery) (domain.RawQuestion, bool, error)
}

// QuestionProvider is what the session machine needs from the question layer.
type QuestionProvider interface {
	TotalCount(ctx context.Context) (int, error)
	FetchByOffset(ctx context.Context, offset int) (domain.Question, error)
}

type fetchStrategy struct {
	name        string
	kindFilter  bool
	byPublished bool
}

// fetchStrategies is tried in order; the first non-empty result wins.
var fetchStrategies = []fetchStrategy{
	{name: "kind_published", kindFilter: true, byPublished: true},
	{name: "kind_id", kindFilter: true},
	{name: "all_published", byPublished: true},
	{name: "all_id"},
}

// QuestionStore fetches normalized questions by offset. Apart from the total
// count, which is computed once and kept for the process lifetime, it holds no state.
type QuestionStore struct {
	source QuestionSource
	kind   string
	logger *zap.Logger
	sf     singleflight.Group

	mu         sync.RWMutex
	total      int
	totalKnown bool
}

func NewQuestionStore(source QuestionSource, kind string, logger *zap.Logger) *QuestionStore {
	if kind == "" {
		kind = DefaultQuestionKind
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuestionStore{source: source, kind: kind, logger: logger}
}

// TotalCount returns the number of eligible questions. The first successful
// count is cached with no invalidation: questions added later stay invisible
// until restart.
func (s *QuestionStore) TotalCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	if s.totalKnown {
		total := s.total
		s.mu.RUnlock()
		return total, nil
	}
	s.mu.RUnlock()

	result, err, _ := s.sf.Do("total", func() (interface{}, error) {
		s.mu.RLock()
		if s.totalKnown {
			total := s.total
			s.mu.RUnlock()
			return total, nil
		}
		s.mu.RUnlock()

		total, err := s.countEligible(ctx)
		if err != nil {
			return 0, err
		}

		s.mu.Lock()
		s.total = total
		s.totalKnown = true
		s.mu.Unlock()
		return total, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (s *QuestionStore) countEligible(ctx context.Context) (int, error) {
	n, err := s.source.CountQuestions(ctx, s.kind)
	if err != nil {
		s.logger.Debug("kind-filtered count failed, counting all rows", zap.String("kind", s.kind), zap.Error(err))
	}
	if err == nil && n > 0 {
		return n, nil
	}

	all, err := s.source.CountQuestions(ctx, "")
	if err != nil {
		return 0, err
	}
	if all <= 0 {
		return 0, domain.ErrEmptyCorpus
	}
	return all, nil
}

// FetchByOffset returns the question at offset in the stable question order.
// Strategy errors and empty results fall through to the next strategy.
func (s *QuestionStore) FetchByOffset(ctx context.Context, offset int) (domain.Question, error) {
	if offset < 0 {
		return domain.Question{}, domain.ErrOffsetOutOfRange
	}

	for _, strategy := range fetchStrategies {
		query := QuestionQuery{ByPublished: strategy.byPublished, Offset: offset}
		if strategy.kindFilter {
			query.Kind = s.kind
		}

		raw, found, err := s.source.QuestionAt(ctx, query)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.Question{}, ctxErr
			}
			metrics.QuestionFetches.WithLabelValues(strategy.name, "error").Inc()
			s.logger.Debug("question strategy failed",
				zap.String("strategy", strategy.name),
				zap.Int("offset", offset),
				zap.Error(err))
			continue
		}
		if !found {
			metrics.QuestionFetches.WithLabelValues(strategy.name, "empty").Inc()
			continue
		}

		metrics.QuestionFetches.WithLabelValues(strategy.name, "hit").Inc()
		question, err := Normalize(raw)
		if err != nil {
			s.logger.Warn("stored question failed normalization",
				zap.String("strategy", strategy.name),
				zap.Int("offset", offset),
				zap.Error(err))
			return domain.Question{}, err
		}
		return question, nil
	}
	return domain.Question{}, domain.ErrOffsetOutOfRange
}

// IsNoMoreQuestions reports whether err means the sequence is exhausted rather than broken.
func IsNoMoreQuestions(err error) bool {
	return errors.Is(err, domain.ErrOffsetOutOfRange)
}
