package memory

import "context"

// StaticAuthorizer grants moderation privilege to a fixed set of user ids.
type StaticAuthorizer struct {
	moderators map[string]struct{}
}

func NewStaticAuthorizer(moderatorIDs []string) *StaticAuthorizer {
	m := make(map[string]struct{}, len(moderatorIDs))
	for _, id := range moderatorIDs {
		if id != "" {
			m[id] = struct{}{}
		}
	}
	return &StaticAuthorizer{moderators: m}
}

func (a *StaticAuthorizer) IsPrivileged(_ context.Context, _ string, userID string) (bool, error) {
	_, ok := a.moderators[userID]
	return ok, nil
}
