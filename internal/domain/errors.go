package domain

import "errors"

var (
	// ErrEmptyCorpus is returned when no eligible questions exist at all.
	ErrEmptyCorpus = errors.New("question corpus is empty")
	// ErrOffsetOutOfRange means there is no question at the requested offset.
	ErrOffsetOutOfRange = errors.New("question offset out of range")
	// ErrMalformedQuestion indicates a stored question failed normalization.
	ErrMalformedQuestion = errors.New("malformed question")

	// ErrSessionActive is returned when a user already has a quiz in progress.
	ErrSessionActive = errors.New("quiz session already active")
	// ErrNotSessionOwner rejects clicks on another user's quiz controls.
	ErrNotSessionOwner = errors.New("interaction belongs to another user's session")
	// ErrInteractionExpired is returned for clicks on controls that are no longer live.
	ErrInteractionExpired = errors.New("interaction expired")
	// ErrNotPrivileged is returned when a moderation command is issued without privilege.
	ErrNotPrivileged = errors.New("moderation privilege required")

	// ErrThreadArchived is reported by the transport when a thread no longer accepts messages.
	ErrThreadArchived = errors.New("thread is archived")
	// ErrThreadNotFound is reported by the transport for unknown threads.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMessageNotFound is reported by the transport when editing an unknown message.
	ErrMessageNotFound = errors.New("message not found")
)
