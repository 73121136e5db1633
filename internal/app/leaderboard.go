package app

import (
	"context"
	"time"

	"quizbot/internal/domain"
	"quizbot/internal/metrics"

	"go.uber.org/zap"
)

// LeaderboardWriter upserts one row per (community, user); last write wins.
type LeaderboardWriter interface {
	UpsertLeaderboard(ctx context.Context, row domain.LeaderboardRow) error
}

// LeaderboardReader lists the top rows of a community.
type LeaderboardReader interface {
	TopLeaderboard(ctx context.Context, communityID string, limit int) ([]domain.LeaderboardRow, error)
}

// LeaderboardStore is implemented by every backend that keeps the ranking table.
type LeaderboardStore interface {
	LeaderboardWriter
	LeaderboardReader
}

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
	submitTimeout           = 5 * time.Second
)

// LeaderboardReporter writes final scores on a best-effort basis: the user has
// already seen their final score when Submit runs, so failures are only logged and counted.
type LeaderboardReporter struct {
	store  LeaderboardStore
	logger *zap.Logger
	now    func() time.Time
}

func NewLeaderboardReporter(store LeaderboardStore, logger *zap.Logger) *LeaderboardReporter {
	return NewLeaderboardReporterWithClock(store, logger, time.Now)
}

// NewLeaderboardReporterWithClock is test-only for deterministic timestamps.
func NewLeaderboardReporterWithClock(store LeaderboardStore, logger *zap.Logger, now func() time.Time) *LeaderboardReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaderboardReporter{store: store, logger: logger, now: now}
}

// Submit upserts the row for (communityID, userID). It never returns an error.
func (r *LeaderboardReporter) Submit(ctx context.Context, communityID, userID, displayName string, score domain.Score) {
	row := domain.LeaderboardRow{
		CommunityID: communityID,
		UserID:      userID,
		DisplayName: displayName,
		Correct:     score.Correct,
		Total:       score.Total,
		SubmittedAt: r.now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	defer cancel()

	if err := r.store.UpsertLeaderboard(ctx, row); err != nil {
		metrics.LeaderboardSubmissions.WithLabelValues("error").Inc()
		r.logger.Error("leaderboard submission failed",
			zap.String("community", communityID),
			zap.String("user", userID),
			zap.Int("correct", score.Correct),
			zap.Int("total", score.Total),
			zap.Error(err))
		return
	}
	metrics.LeaderboardSubmissions.WithLabelValues("ok").Inc()
}

// Top returns the ranking for a community, clamping limit to a sane range.
func (r *LeaderboardReporter) Top(ctx context.Context, communityID string, limit int) ([]domain.LeaderboardRow, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	return r.store.TopLeaderboard(ctx, communityID, limit)
}
