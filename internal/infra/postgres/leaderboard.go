package postgres

import (
	"context"
	"fmt"

	"quizbot/internal/domain"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Leaderboard persists one row per (community, user).
type Leaderboard struct {
	pool *pgxpool.Pool
}

func NewLeaderboard(pool *pgxpool.Pool) *Leaderboard {
	return &Leaderboard{pool: pool}
}

func (l *Leaderboard) UpsertLeaderboard(ctx context.Context, row domain.LeaderboardRow) error {
	_, err := l.pool.Exec(ctx, `INSERT INTO leaderboard
		(community_id, user_id, display_name, correct, total, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (community_id, user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			correct = EXCLUDED.correct,
			total = EXCLUDED.total,
			submitted_at = EXCLUDED.submitted_at`,
		row.CommunityID, row.UserID, row.DisplayName, row.Correct, row.Total, row.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert leaderboard: %w", err)
	}
	return nil
}

func (l *Leaderboard) TopLeaderboard(ctx context.Context, communityID string, limit int) ([]domain.LeaderboardRow, error) {
	rows, err := l.pool.Query(ctx, `SELECT community_id, user_id, display_name, correct, total, submitted_at
		FROM leaderboard WHERE community_id = $1
		ORDER BY correct DESC, total ASC, submitted_at ASC, user_id ASC
		LIMIT $2`, communityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var out []domain.LeaderboardRow
	for rows.Next() {
		var r domain.LeaderboardRow
		if err := rows.Scan(&r.CommunityID, &r.UserID, &r.DisplayName, &r.Correct, &r.Total, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan leaderboard: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
