package domain

import (
	"encoding/json"
	"time"
)

// Question is a normalized multiple-choice question ready for presentation.
// It is built fresh from a RawQuestion for every presentation and never mutated.
type Question struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answerIndex"` // 0 <= AnswerIndex < len(Choices)
	Explanation string   `json:"explanation,omitempty"`
	Topic       string   `json:"topic,omitempty"`
}

// CorrectChoice returns the display text of the correct choice.
func (q Question) CorrectChoice() string {
	if q.AnswerIndex < 0 || q.AnswerIndex >= len(q.Choices) {
		return ""
	}
	return q.Choices[q.AnswerIndex]
}

// RawQuestion is a question row as stored in the external question table.
// Nothing about it is trusted until it has been normalized.
type RawQuestion struct {
	ID          string          `json:"id" yaml:"id"`
	Kind        string          `json:"kind" yaml:"kind"`
	Title       string          `json:"title" yaml:"title"`
	Body        string          `json:"body,omitempty" yaml:"body"`
	Options     json.RawMessage `json:"options" yaml:"-"`
	AnswerKey   string          `json:"answer_key" yaml:"answer_key"`
	Explanation string          `json:"explanation,omitempty" yaml:"explanation"`
	Topic       string          `json:"topic,omitempty" yaml:"topic"`
	PublishedAt *time.Time      `json:"published_at,omitempty" yaml:"published_at"`
}

// Score is a user's lifetime answer tally. Correct never exceeds Total.
type Score struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// Actor identifies who issued a command and where.
type Actor struct {
	CommunityID string
	UserID      string
	DisplayName string
}

// Interaction is a button click delivered by the chat transport.
type Interaction struct {
	UserID    string
	MessageID string
	ControlID string
}

// LeaderboardRow is the single ranking row kept per (community, user).
type LeaderboardRow struct {
	CommunityID string    `json:"communityId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Correct     int       `json:"correct"`
	Total       int       `json:"total"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Button is an interactive control attached to an outbound message.
type Button struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Style    string `json:"style,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Message is what the bot posts (or re-posts on edit) into a thread.
type Message struct {
	Title   string   `json:"title,omitempty"`
	Body    string   `json:"body"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// WithButtonsDisabled returns a copy of m whose controls can no longer be used.
func (m Message) WithButtonsDisabled() Message {
	if len(m.Buttons) == 0 {
		return m
	}
	buttons := make([]Button, len(m.Buttons))
	for i, b := range m.Buttons {
		b.Disabled = true
		buttons[i] = b
	}
	m.Buttons = buttons
	return m
}
