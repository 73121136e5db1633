package memory

import (
	"context"
	"sort"
	"sync"

	"quizbot/internal/domain"
)

// Leaderboard keeps one row per (community, user) in memory.
type Leaderboard struct {
	mu   sync.RWMutex
	rows map[leaderboardKey]domain.LeaderboardRow
}

type leaderboardKey struct {
	community string
	user      string
}

func NewLeaderboard() *Leaderboard {
	return &Leaderboard{rows: make(map[leaderboardKey]domain.LeaderboardRow)}
}

func (l *Leaderboard) UpsertLeaderboard(_ context.Context, row domain.LeaderboardRow) error {
	l.mu.Lock()
	l.rows[leaderboardKey{community: row.CommunityID, user: row.UserID}] = row
	l.mu.Unlock()
	return nil
}

// TopLeaderboard orders by correct desc, then fewer attempts, then earliest submission.
func (l *Leaderboard) TopLeaderboard(_ context.Context, communityID string, limit int) ([]domain.LeaderboardRow, error) {
	l.mu.RLock()
	rows := make([]domain.LeaderboardRow, 0, len(l.rows))
	for key, row := range l.rows {
		if key.community == communityID {
			rows = append(rows, row)
		}
	}
	l.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Correct != rows[j].Correct {
			return rows[i].Correct > rows[j].Correct
		}
		if rows[i].Total != rows[j].Total {
			return rows[i].Total < rows[j].Total
		}
		if !rows[i].SubmittedAt.Equal(rows[j].SubmittedAt) {
			return rows[i].SubmittedAt.Before(rows[j].SubmittedAt)
		}
		return rows[i].UserID < rows[j].UserID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Row returns the stored row for a (community, user) pair.
func (l *Leaderboard) Row(communityID, userID string) (domain.LeaderboardRow, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.rows[leaderboardKey{community: communityID, user: userID}]
	return row, ok
}

// Len returns the number of stored rows across all communities.
func (l *Leaderboard) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}
