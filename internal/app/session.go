package app

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"quizbot/internal/domain"
)

// State is a step of the per-user quiz state machine.
type State string

const (
	StatePresenting       State = "presenting"
	StateAnswered         State = "answered"
	StateAwaitingContinue State = "awaiting_continue"
	// StateParked: the continue prompt timed out. The session stays active and
	// the next quiz command resumes it.
	StateParked    State = "parked"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Control ids carried by the buttons the machine sends.
const (
	controlAnswerPrefix = "answer:"
	controlSkip         = "skip"
	controlContinueYes  = "continue:yes"
	controlContinueNo   = "continue:no"
)

const maxButtonLabel = 80

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc in production, a manual clock in tests.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Session is one user's live quiz flow. All fields are guarded by mu.
type Session struct {
	userID      string
	communityID string
	displayName string
	threadID    string
	total       int

	mu        sync.Mutex
	state     State
	offset    int
	question  domain.Question
	messageID string
	message   domain.Message
	timer     Timer
	// gen invalidates timers armed before the latest transition.
	gen uint64
}

func newSession(actor domain.Actor, threadID string, total int) *Session {
	return &Session{
		userID:      actor.UserID,
		communityID: actor.CommunityID,
		displayName: actor.DisplayName,
		threadID:    threadID,
		total:       total,
	}
}

// State returns the current state of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func isTerminal(state State) bool {
	return state == StateCompleted || state == StateStopped || state == StateFailed
}

func questionMessage(q domain.Question, offset, total int) domain.Message {
	var body strings.Builder
	body.WriteString(q.Prompt)
	body.WriteString("\n")
	buttons := make([]domain.Button, 0, len(q.Choices)+1)
	for i, choice := range q.Choices {
		letter := choiceLetter(i)
		fmt.Fprintf(&body, "\n%s. %s", letter, choice)
		buttons = append(buttons, domain.Button{
			ID:    controlAnswerPrefix + strconv.Itoa(i),
			Label: truncateLabel(letter + ". " + choice),
			Style: "primary",
		})
	}
	buttons = append(buttons, domain.Button{ID: controlSkip, Label: "Skip", Style: "secondary"})

	msg := domain.Message{
		Title:   fmt.Sprintf("Question %d of %d", offset+1, total),
		Body:    body.String(),
		Buttons: buttons,
	}
	if q.Topic != "" {
		msg.Footer = "Topic: " + q.Topic
	}
	return msg
}

// revealMessage disables the question controls and shows the correct answer.
// chosen is -1 for a skip.
func revealMessage(msg domain.Message, q domain.Question, chosen int) domain.Message {
	out := msg.WithButtonsDisabled()
	for i := range out.Buttons {
		switch out.Buttons[i].ID {
		case controlAnswerPrefix + strconv.Itoa(q.AnswerIndex):
			out.Buttons[i].Style = "success"
		case controlAnswerPrefix + strconv.Itoa(chosen):
			out.Buttons[i].Style = "danger"
		}
	}

	correct := fmt.Sprintf("%s. %s", choiceLetter(q.AnswerIndex), q.CorrectChoice())
	switch {
	case chosen < 0:
		out.Body += "\n\n⏭️ Skipped. The correct answer was " + correct + "."
	case chosen == q.AnswerIndex:
		out.Body += "\n\n✅ Correct!"
	default:
		out.Body += "\n\n❌ Incorrect. The correct answer was " + correct + "."
	}
	if q.Explanation != "" {
		out.Body += "\n\n💡 " + q.Explanation
	}
	return out
}

func continueMessage(answered, total int) domain.Message {
	return domain.Message{
		Body: fmt.Sprintf("You have gone through %d of %d questions. Continue to the next one?", answered, total),
		Buttons: []domain.Button{
			{ID: controlContinueYes, Label: "Next question", Style: "success"},
			{ID: controlContinueNo, Label: "Stop here", Style: "danger"},
		},
	}
}

func finalMessage(title string, score domain.Score) domain.Message {
	return domain.Message{
		Title: title,
		Body:  fmt.Sprintf("Final score: %d/%d correct.", score.Correct, score.Total),
	}
}

func choiceLetter(i int) string {
	if i >= 0 && i < 26 {
		return string(rune('A' + i))
	}
	return strconv.Itoa(i + 1)
}

func truncateLabel(label string) string {
	runes := []rune(label)
	if len(runes) <= maxButtonLabel {
		return label
	}
	return string(runes[:maxButtonLabel-1]) + "…"
}

func parseAnswerControl(controlID string) (int, bool) {
	if !strings.HasPrefix(controlID, controlAnswerPrefix) {
		return 0, false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(controlID, controlAnswerPrefix))
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
