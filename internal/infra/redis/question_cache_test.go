package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"
	"quizbot/internal/infra/memory"
)

type countingSource struct {
	app.QuestionSource
	calls int
	err   error
}

func (s *countingSource) QuestionAt(ctx context.Context, q app.QuestionQuery) (domain.RawQuestion, bool, error) {
	s.calls++
	if s.err != nil {
		return domain.RawQuestion{}, false, s.err
	}
	return s.QuestionSource.QuestionAt(ctx, q)
}

func sampleRows() []domain.RawQuestion {
	return []domain.RawQuestion{{
		ID:        "1",
		Kind:      app.DefaultQuestionKind,
		Title:     "What is 2 + 2?",
		Options:   json.RawMessage(`[{"id":"a","text":"3"},{"id":"b","text":"4"}]`),
		AnswerKey: "b",
	}}
}

func TestQuestionCacheCachesFoundRows(t *testing.T) {
	mr := runMiniredis(t)
	source := &countingSource{QuestionSource: memory.NewQuestionSource(sampleRows())}
	cache := NewQuestionCache(newClient(mr), source, time.Minute)
	ctx := context.Background()
	query := app.QuestionQuery{Kind: app.DefaultQuestionKind, ByPublished: true, Offset: 0}

	row, found, err := cache.QuestionAt(ctx, query)
	if err != nil || !found || row.Title != "What is 2 + 2?" {
		t.Fatalf("unexpected first read: %+v found=%v err=%v", row, found, err)
	}
	if !mr.Exists("quizbot:question:multiple_choice:published:0") {
		t.Fatalf("expected cache key to be written")
	}

	// Second call should hit cache, source not incremented.
	row, _, _ = cache.QuestionAt(ctx, query)
	if source.calls != 1 {
		t.Fatalf("expected cache hit, source calls=%d", source.calls)
	}
	if string(row.Options) != string(sampleRows()[0].Options) {
		t.Fatalf("options not preserved through cache: %s", row.Options)
	}
}

func TestQuestionCacheDoesNotCacheMissesOrErrors(t *testing.T) {
	mr := runMiniredis(t)
	source := &countingSource{QuestionSource: memory.NewQuestionSource(sampleRows())}
	cache := NewQuestionCache(newClient(mr), source, time.Minute)
	ctx := context.Background()

	miss := app.QuestionQuery{Offset: 5}
	for i := 0; i < 2; i++ {
		if _, found, err := cache.QuestionAt(ctx, miss); err != nil || found {
			t.Fatalf("expected miss, found=%v err=%v", found, err)
		}
	}
	if source.calls != 2 {
		t.Fatalf("expected misses to reach the source each time, calls=%d", source.calls)
	}

	source.err = errors.New("column kind does not exist")
	if _, _, err := cache.QuestionAt(ctx, app.QuestionQuery{Kind: "x"}); err == nil {
		t.Fatalf("expected source error to propagate")
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("expected nothing cached, got keys %v", mr.Keys())
	}
}

func TestQuestionCacheFeedsQuestionStore(t *testing.T) {
	mr := runMiniredis(t)
	source := &countingSource{QuestionSource: memory.NewQuestionSource(sampleRows())}
	cache := NewQuestionCache(newClient(mr), source, time.Minute)
	store := app.NewQuestionStore(cache, "", nil)

	total, err := store.TotalCount(context.Background())
	if err != nil || total != 1 {
		t.Fatalf("expected total 1, got %d err=%v", total, err)
	}
	q, err := store.FetchByOffset(context.Background(), 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.CorrectChoice() != "4" {
		t.Fatalf("expected correct choice 4, got %q", q.CorrectChoice())
	}
}
