package memory

import (
	"context"
	"testing"
	"time"

	"quizbot/internal/domain"
)

func TestLeaderboardUpsertReplacesRow(t *testing.T) {
	lb := NewLeaderboard()
	ctx := context.Background()
	now := time.Now()

	_ = lb.UpsertLeaderboard(ctx, domain.LeaderboardRow{CommunityID: "g1", UserID: "u1", Correct: 1, Total: 2, SubmittedAt: now})
	_ = lb.UpsertLeaderboard(ctx, domain.LeaderboardRow{CommunityID: "g1", UserID: "u1", Correct: 3, Total: 4, SubmittedAt: now})
	_ = lb.UpsertLeaderboard(ctx, domain.LeaderboardRow{CommunityID: "g2", UserID: "u1", Correct: 0, Total: 1, SubmittedAt: now})

	if lb.Len() != 2 {
		t.Fatalf("expected one row per community, got %d", lb.Len())
	}
	row, ok := lb.Row("g1", "u1")
	if !ok || row.Correct != 3 || row.Total != 4 {
		t.Fatalf("expected replaced row 3/4, got %+v ok=%v", row, ok)
	}
}

func TestLeaderboardTopOrdering(t *testing.T) {
	lb := NewLeaderboard()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, row := range []domain.LeaderboardRow{
		{CommunityID: "g1", UserID: "slow", Correct: 5, Total: 5, SubmittedAt: base.Add(time.Hour)},
		{CommunityID: "g1", UserID: "fast", Correct: 5, Total: 5, SubmittedAt: base},
		{CommunityID: "g1", UserID: "sloppy", Correct: 5, Total: 9, SubmittedAt: base},
		{CommunityID: "g1", UserID: "best", Correct: 6, Total: 10, SubmittedAt: base},
	} {
		_ = lb.UpsertLeaderboard(ctx, row)
	}

	top, _ := lb.TopLeaderboard(ctx, "g1", 3)
	if len(top) != 3 {
		t.Fatalf("expected limit to apply, got %d rows", len(top))
	}
	want := []string{"best", "fast", "slow"}
	for i, id := range want {
		if top[i].UserID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, top[i].UserID)
		}
	}
}
