package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"

	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "quiz.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *Store, rows ...domain.RawQuestion) {
	t.Helper()
	for _, row := range rows {
		if _, err := store.InsertQuestion(context.Background(), row); err != nil {
			t.Fatalf("insert %q: %v", row.Title, err)
		}
	}
}

func question(id, title string, published *time.Time) domain.RawQuestion {
	return domain.RawQuestion{
		ID:          id,
		Kind:        app.DefaultQuestionKind,
		Title:       title,
		Options:     json.RawMessage(`[{"id":"a","text":"yes"},{"id":"b","text":"no"}]`),
		AnswerKey:   "a",
		PublishedAt: published,
	}
}

func TestQuestionAtOrdersByPublishTimeThenID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)
	seed(t, store,
		question("1", "late", &late),
		question("2", "unpublished", nil),
		question("3", "early", &early),
	)

	want := []string{"early", "late", "unpublished"}
	for i, title := range want {
		row, found, err := store.QuestionAt(ctx, app.QuestionQuery{Kind: app.DefaultQuestionKind, ByPublished: true, Offset: i})
		if err != nil || !found {
			t.Fatalf("offset %d: found=%v err=%v", i, found, err)
		}
		if row.Title != title {
			t.Fatalf("offset %d: expected %q, got %q", i, title, row.Title)
		}
	}

	row, found, err := store.QuestionAt(ctx, app.QuestionQuery{Offset: 0})
	if err != nil || !found || row.Title != "late" {
		t.Fatalf("id order: expected late first, got %q found=%v err=%v", row.Title, found, err)
	}
	if row.PublishedAt == nil || !row.PublishedAt.Equal(late) {
		t.Fatalf("published_at not round-tripped: %v", row.PublishedAt)
	}

	_, found, err = store.QuestionAt(ctx, app.QuestionQuery{Offset: 3})
	if err != nil || found {
		t.Fatalf("expected miss past the end, found=%v err=%v", found, err)
	}
}

func TestCountQuestionsByKind(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	other := question("", "true or false", nil)
	other.Kind = "boolean"
	seed(t, store, question("", "one", nil), question("", "two", nil), other)

	n, err := store.CountQuestions(ctx, app.DefaultQuestionKind)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 multiple choice, got %d err=%v", n, err)
	}
	n, err = store.CountQuestions(ctx, "")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 overall, got %d err=%v", n, err)
	}
}

func TestInsertQuestionReplacesByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seed(t, store, question("7", "old", nil), question("7", "new", nil))

	n, _ := store.CountQuestions(ctx, "")
	if n != 1 {
		t.Fatalf("expected a single row after replace, got %d", n)
	}
	row, _, _ := store.QuestionAt(ctx, app.QuestionQuery{Offset: 0})
	if row.ID != "7" || row.Title != "new" {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestLegacyTableFallsBackToPlainOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	legacy, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	_, err = legacy.Exec(`CREATE TABLE questions (
		id INTEGER PRIMARY KEY, title TEXT, body TEXT, options TEXT,
		answer_key TEXT, explanation TEXT, topic TEXT);
		INSERT INTO questions (id, title, options, answer_key)
		VALUES (1, 'Capital of France?', '[{"id":"p","text":"Paris"},{"id":"r","text":"Rome"}]', 'Paris')`)
	legacy.Close()
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.CountQuestions(ctx, app.DefaultQuestionKind); err == nil {
		t.Fatalf("expected kind count to fail on legacy table")
	}

	qs := app.NewQuestionStore(store, app.DefaultQuestionKind, zap.NewNop())
	total, err := qs.TotalCount(ctx)
	if err != nil || total != 1 {
		t.Fatalf("expected fallback count 1, got %d err=%v", total, err)
	}
	q, err := qs.FetchByOffset(ctx, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if q.Prompt != "Capital of France?" || q.CorrectChoice() != "Paris" {
		t.Fatalf("unexpected question %+v", q)
	}
	if _, err := qs.FetchByOffset(ctx, 1); !errors.Is(err, domain.ErrOffsetOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
}

func TestLeaderboardUpsertAndTop(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rows := []domain.LeaderboardRow{
		{CommunityID: "g1", UserID: "alice", DisplayName: "Alice", Correct: 2, Total: 3, SubmittedAt: base},
		{CommunityID: "g1", UserID: "bob", DisplayName: "Bob", Correct: 3, Total: 5, SubmittedAt: base},
		{CommunityID: "g2", UserID: "carol", DisplayName: "Carol", Correct: 9, Total: 9, SubmittedAt: base},
		{CommunityID: "g1", UserID: "alice", DisplayName: "Alice A.", Correct: 3, Total: 4, SubmittedAt: base.Add(time.Minute)},
	}
	for _, row := range rows {
		if err := store.UpsertLeaderboard(ctx, row); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	top, err := store.TopLeaderboard(ctx, "g1", 10)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 rows for g1, got %d", len(top))
	}
	if top[0].UserID != "alice" || top[0].DisplayName != "Alice A." || top[0].Total != 4 {
		t.Fatalf("expected updated alice first, got %+v", top[0])
	}
	if !top[0].SubmittedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("submitted_at not updated: %v", top[0].SubmittedAt)
	}
	if top[1].UserID != "bob" {
		t.Fatalf("expected bob second, got %+v", top[1])
	}
}
