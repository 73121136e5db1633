package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quizbot/internal/domain"
	"quizbot/internal/metrics"

	"go.uber.org/zap"
)

// SessionRegistry abstracts where per-user quiz state lives (in-memory, Redis).
type SessionRegistry interface {
	// TryStart atomically marks the user active; false if already active.
	TryStart(ctx context.Context, userID string) (bool, error)
	// End clears the active flag. Idempotent.
	End(ctx context.Context, userID string) error
	Progress(ctx context.Context, userID string) (int, error)
	SetProgress(ctx context.Context, userID string, offset int) error
	ResetProgress(ctx context.Context, userID string) error
	RecordAnswer(ctx context.Context, userID string, correct bool) error
	Score(ctx context.Context, userID string) (domain.Score, error)
}

// Messenger is the slice of the chat transport the quiz needs.
type Messenger interface {
	// OpenThread returns the user's quiz thread, creating it if needed.
	OpenThread(ctx context.Context, communityID, userID, name string) (string, error)
	Send(ctx context.Context, threadID string, msg domain.Message) (string, error)
	Edit(ctx context.Context, threadID, messageID string, msg domain.Message) error
	Unarchive(ctx context.Context, threadID string) error
	Archive(ctx context.Context, threadID string) error
}

// Authorizer answers whether an actor holds moderation privilege.
type Authorizer interface {
	IsPrivileged(ctx context.Context, communityID, userID string) (bool, error)
}

const (
	DefaultAnswerTimeout   = 5 * time.Minute
	DefaultContinueTimeout = 5 * time.Minute

	closeTimeout = 5 * time.Second
)

// Options tunes the quiz service. Zero values fall back to defaults.
type Options struct {
	AnswerTimeout   time.Duration
	ContinueTimeout time.Duration
	AfterFunc       AfterFunc
	Logger          *zap.Logger
}

// QuizService runs the per-user quiz state machine and serves the bot commands.
type QuizService struct {
	registry  SessionRegistry
	questions QuestionProvider
	reporter  *LeaderboardReporter
	messenger Messenger
	auth      Authorizer
	logger    *zap.Logger

	answerTimeout   time.Duration
	continueTimeout time.Duration
	afterFunc       AfterFunc

	mu        sync.Mutex
	sessions  map[string]*Session
	byMessage map[string]*Session
}

func NewQuizService(registry SessionRegistry, questions QuestionProvider, reporter *LeaderboardReporter, messenger Messenger, auth Authorizer, opts Options) *QuizService {
	s := &QuizService{
		registry:        registry,
		questions:       questions,
		reporter:        reporter,
		messenger:       messenger,
		auth:            auth,
		logger:          opts.Logger,
		answerTimeout:   opts.AnswerTimeout,
		continueTimeout: opts.ContinueTimeout,
		afterFunc:       opts.AfterFunc,
		sessions:        make(map[string]*Session),
		byMessage:       make(map[string]*Session),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.answerTimeout <= 0 {
		s.answerTimeout = DefaultAnswerTimeout
	}
	if s.continueTimeout <= 0 {
		s.continueTimeout = DefaultContinueTimeout
	}
	if s.afterFunc == nil {
		s.afterFunc = realAfterFunc
	}
	return s
}

// StartQuiz starts a session for the actor, or resumes a parked one.
// The returned text is a short confirmation for the invoker; questions go to the thread.
func (s *QuizService) StartQuiz(ctx context.Context, actor domain.Actor) (string, error) {
	if sess := s.session(actor.UserID); sess != nil {
		if reply, handled, err := s.resume(ctx, sess, actor); handled {
			return reply, err
		}
	}

	ok, err := s.registry.TryStart(ctx, actor.UserID)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	if !ok {
		return "", domain.ErrSessionActive
	}
	metrics.SessionsStarted.Inc()

	total, err := s.questions.TotalCount(ctx)
	if err != nil {
		s.release(ctx, actor.UserID)
		if errors.Is(err, domain.ErrEmptyCorpus) {
			s.logger.Error("quiz has no questions", zap.String("user", actor.UserID))
			return "", err
		}
		return "", fmt.Errorf("count questions: %w", err)
	}

	offset, err := s.registry.Progress(ctx, actor.UserID)
	if err != nil {
		s.release(ctx, actor.UserID)
		return "", fmt.Errorf("load progress: %w", err)
	}
	if offset >= total {
		s.release(ctx, actor.UserID)
		return fmt.Sprintf("You have already gone through all %d questions. Nice work!", total), nil
	}

	threadID, err := s.messenger.OpenThread(ctx, actor.CommunityID, actor.UserID, threadName(actor))
	if err != nil {
		s.release(ctx, actor.UserID)
		return "", fmt.Errorf("open thread: %w", err)
	}

	sess := newSession(actor, threadID, total)
	s.track(sess)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := s.presentLocked(ctx, sess, offset); err != nil {
		return "", err
	}
	if isTerminal(sess.state) {
		return "There are no more questions for you right now.", nil
	}
	return fmt.Sprintf("Your quiz has started in your thread (question %d of %d).", offset+1, total), nil
}

// resume picks a parked session back up. handled is false when the session
// ended in the meantime and a fresh start should be attempted instead.
func (s *QuizService) resume(ctx context.Context, sess *Session, actor domain.Actor) (string, bool, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if isTerminal(sess.state) {
		return "", false, nil
	}
	if sess.state != StateParked {
		return "", true, domain.ErrSessionActive
	}
	sess.displayName = actor.DisplayName

	offset, err := s.registry.Progress(ctx, sess.userID)
	if err != nil {
		return "", true, fmt.Errorf("load progress: %w", err)
	}
	if offset >= sess.total {
		s.finishLocked(ctx, sess, StateCompleted, true)
		return "You have already gone through every question. Your final score was submitted.", true, nil
	}
	if err := s.presentLocked(ctx, sess, offset); err != nil {
		return "", true, err
	}
	if isTerminal(sess.state) {
		return "There are no more questions for you right now.", true, nil
	}
	return fmt.Sprintf("Welcome back! Picking up at question %d of %d.", offset+1, sess.total), true, nil
}

// Score reports the actor's lifetime tally.
func (s *QuizService) Score(ctx context.Context, actor domain.Actor) (domain.Score, error) {
	return s.registry.Score(ctx, actor.UserID)
}

// ResetProgress sends target (or the actor when empty) back to the first
// question. Score is untouched.
func (s *QuizService) ResetProgress(ctx context.Context, actor domain.Actor, target string) (string, error) {
	ok, err := s.auth.IsPrivileged(ctx, actor.CommunityID, actor.UserID)
	if err != nil {
		return "", fmt.Errorf("check privilege: %w", err)
	}
	if !ok {
		return "", domain.ErrNotPrivileged
	}
	if target == "" {
		target = actor.UserID
	}
	if err := s.registry.ResetProgress(ctx, target); err != nil {
		return "", fmt.Errorf("reset progress: %w", err)
	}

	// A live, unparked session would otherwise write its own offset back on continue.
	if sess := s.session(target); sess != nil {
		sess.mu.Lock()
		if sess.state != StateParked && !isTerminal(sess.state) {
			sess.offset = -1
		}
		sess.mu.Unlock()
	}

	s.logger.Info("progress reset", zap.String("by", actor.UserID), zap.String("target", target))
	return fmt.Sprintf("Progress for %s has been reset to the first question.", target), nil
}

// HandleInteraction routes a button click to the session that owns the clicked message.
func (s *QuizService) HandleInteraction(ctx context.Context, in domain.Interaction) error {
	s.mu.Lock()
	sess := s.byMessage[in.MessageID]
	s.mu.Unlock()
	if sess == nil {
		return domain.ErrInteractionExpired
	}
	if sess.userID != in.UserID {
		return domain.ErrNotSessionOwner
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.messageID != in.MessageID {
		return domain.ErrInteractionExpired
	}

	switch sess.state {
	case StatePresenting:
		if in.ControlID == controlSkip {
			return s.skipLocked(ctx, sess)
		}
		if idx, ok := parseAnswerControl(in.ControlID); ok && idx < len(sess.question.Choices) {
			return s.answerLocked(ctx, sess, idx)
		}
	case StateAwaitingContinue:
		switch in.ControlID {
		case controlContinueYes:
			return s.continueLocked(ctx, sess)
		case controlContinueNo:
			return s.stopLocked(ctx, sess)
		}
	}
	return domain.ErrInteractionExpired
}

// SessionState reports the live session state of a user, if any.
func (s *QuizService) SessionState(userID string) (State, bool) {
	sess := s.session(userID)
	if sess == nil {
		return "", false
	}
	return sess.State(), true
}

// Close disarms every pending timer and releases the admission markers of the
// sessions still held. Sessions do not outlive the process.
func (s *QuizService) Close() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	for _, sess := range sessions {
		sess.mu.Lock()
		s.disarmLocked(sess)
		s.unbindLocked(sess)
		if !isTerminal(sess.state) {
			s.release(ctx, sess.userID)
		}
		s.untrack(sess)
		sess.mu.Unlock()
	}
}

func (s *QuizService) presentLocked(ctx context.Context, sess *Session, offset int) error {
	question, err := s.questions.FetchByOffset(ctx, offset)
	if err != nil {
		if IsNoMoreQuestions(err) {
			s.finishLocked(ctx, sess, StateCompleted, true)
			return nil
		}
		s.failLocked(ctx, sess, err)
		return err
	}

	msg := questionMessage(question, offset, sess.total)
	id, err := s.send(ctx, sess.threadID, msg)
	if err != nil {
		s.failLocked(ctx, sess, err)
		return err
	}

	sess.offset = offset
	sess.question = question
	s.bindLocked(sess, id, msg, StatePresenting)
	s.armLocked(sess, s.answerTimeout, s.onAnswerTimeout)
	return nil
}

func (s *QuizService) answerLocked(ctx context.Context, sess *Session, chosen int) error {
	s.disarmLocked(sess)
	correct := chosen == sess.question.AnswerIndex
	if err := s.registry.RecordAnswer(ctx, sess.userID, correct); err != nil {
		s.failLocked(ctx, sess, err)
		return fmt.Errorf("record answer: %w", err)
	}
	if correct {
		metrics.AnswersRecorded.WithLabelValues("correct").Inc()
	} else {
		metrics.AnswersRecorded.WithLabelValues("incorrect").Inc()
	}
	sess.state = StateAnswered
	return s.revealLocked(ctx, sess, chosen)
}

// skipLocked reveals the answer without touching the score.
func (s *QuizService) skipLocked(ctx context.Context, sess *Session) error {
	s.disarmLocked(sess)
	metrics.AnswersRecorded.WithLabelValues("skipped").Inc()
	return s.revealLocked(ctx, sess, -1)
}

func (s *QuizService) revealLocked(ctx context.Context, sess *Session, chosen int) error {
	reveal := revealMessage(sess.message, sess.question, chosen)
	if err := s.edit(ctx, sess.threadID, sess.messageID, reveal); err != nil {
		s.failLocked(ctx, sess, err)
		return err
	}
	s.unbindLocked(sess)

	prompt := continueMessage(sess.offset+1, sess.total)
	id, err := s.send(ctx, sess.threadID, prompt)
	if err != nil {
		s.failLocked(ctx, sess, err)
		return err
	}
	s.bindLocked(sess, id, prompt, StateAwaitingContinue)
	s.armLocked(sess, s.continueTimeout, s.onContinueTimeout)
	return nil
}

func (s *QuizService) continueLocked(ctx context.Context, sess *Session) error {
	s.disarmLocked(sess)
	s.retireControlsLocked(ctx, sess, "")

	next := sess.offset + 1
	if err := s.registry.SetProgress(ctx, sess.userID, next); err != nil {
		s.failLocked(ctx, sess, err)
		return fmt.Errorf("save progress: %w", err)
	}
	sess.offset = next

	if next >= sess.total {
		s.finishLocked(ctx, sess, StateCompleted, true)
		return nil
	}
	return s.presentLocked(ctx, sess, next)
}

// stopLocked commits the resolved question before ending, so a later start
// does not present it again.
func (s *QuizService) stopLocked(ctx context.Context, sess *Session) error {
	s.disarmLocked(sess)
	s.retireControlsLocked(ctx, sess, "")
	if err := s.registry.SetProgress(ctx, sess.userID, sess.offset+1); err != nil {
		s.logger.Error("save progress on stop", zap.String("user", sess.userID), zap.Error(err))
	}
	s.finishLocked(ctx, sess, StateStopped, true)
	return nil
}

func (s *QuizService) onAnswerTimeout(sess *Session, gen uint64) {
	ctx := context.Background()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != gen || sess.state != StatePresenting {
		return
	}
	sess.timer = nil
	s.retireControlsLocked(ctx, sess, "⏰ Time's up. Run the quiz command again to retry this question.")
	metrics.SessionOutcomes.WithLabelValues("abandoned").Inc()
	s.endLocked(ctx, sess, StateStopped, true)
}

// onContinueTimeout parks the session: the resolved question counts as done,
// the thread stays open and the next quiz command resumes at the following question.
func (s *QuizService) onContinueTimeout(sess *Session, gen uint64) {
	ctx := context.Background()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != gen || sess.state != StateAwaitingContinue {
		return
	}
	sess.timer = nil
	s.retireControlsLocked(ctx, sess, "This prompt expired. Run the quiz command to continue where you left off.")

	next := sess.offset + 1
	if err := s.registry.SetProgress(ctx, sess.userID, next); err != nil {
		s.logger.Error("save progress on park", zap.String("user", sess.userID), zap.Error(err))
	} else {
		sess.offset = next
	}
	sess.state = StateParked
	metrics.SessionOutcomes.WithLabelValues("parked").Inc()
}

// finishLocked ends a session that reached a regular end: posts the final
// score, submits it when asked to, releases the user and archives the thread.
func (s *QuizService) finishLocked(ctx context.Context, sess *Session, state State, submit bool) {
	s.disarmLocked(sess)
	s.unbindLocked(sess)

	score, err := s.registry.Score(ctx, sess.userID)
	if err != nil {
		s.logger.Error("load score", zap.String("user", sess.userID), zap.Error(err))
	}

	title := "🏁 Quiz complete!"
	if state == StateStopped {
		title = "Quiz stopped."
	}
	if _, err := s.send(ctx, sess.threadID, finalMessage(title, score)); err != nil {
		s.logger.Warn("send final score", zap.String("user", sess.userID), zap.Error(err))
	}

	if submit && err == nil && s.reporter != nil {
		s.reporter.Submit(ctx, sess.communityID, sess.userID, sess.displayName, score)
	}
	metrics.SessionOutcomes.WithLabelValues(string(state)).Inc()
	s.endLocked(ctx, sess, state, true)
}

// failLocked force-ends a session after an error the user must see. No leaderboard write.
func (s *QuizService) failLocked(ctx context.Context, sess *Session, cause error) {
	s.logger.Error("quiz session failed",
		zap.String("user", sess.userID),
		zap.Int("offset", sess.offset),
		zap.Error(cause))
	s.disarmLocked(sess)
	s.unbindLocked(sess)

	notice := domain.Message{Title: "⚠️ Quiz interrupted", Body: UserMessage(cause)}
	if _, err := s.send(ctx, sess.threadID, notice); err != nil {
		s.logger.Warn("send failure notice", zap.String("user", sess.userID), zap.Error(err))
	}
	metrics.SessionOutcomes.WithLabelValues(string(StateFailed)).Inc()
	s.endLocked(ctx, sess, StateFailed, false)
}

func (s *QuizService) endLocked(ctx context.Context, sess *Session, state State, archive bool) {
	s.unbindLocked(sess)
	sess.state = state
	s.release(ctx, sess.userID)
	s.untrack(sess)
	if archive {
		if err := s.messenger.Archive(ctx, sess.threadID); err != nil {
			s.logger.Warn("archive thread", zap.String("thread", sess.threadID), zap.Error(err))
		}
	}
}

// retireControlsLocked disables the live controls, optionally appending a note.
func (s *QuizService) retireControlsLocked(ctx context.Context, sess *Session, note string) {
	if sess.messageID == "" {
		return
	}
	msg := sess.message.WithButtonsDisabled()
	if note != "" {
		msg.Body += "\n\n" + note
	}
	if err := s.edit(ctx, sess.threadID, sess.messageID, msg); err != nil {
		s.logger.Warn("disable controls", zap.String("user", sess.userID), zap.Error(err))
	}
	s.unbindLocked(sess)
}

func (s *QuizService) release(ctx context.Context, userID string) {
	if err := s.registry.End(ctx, userID); err != nil {
		s.logger.Error("release session", zap.String("user", userID), zap.Error(err))
	}
}

// send delivers msg, unarchiving the thread and retrying once if it was archived.
func (s *QuizService) send(ctx context.Context, threadID string, msg domain.Message) (string, error) {
	id, err := s.messenger.Send(ctx, threadID, msg)
	if errors.Is(err, domain.ErrThreadArchived) {
		if uerr := s.messenger.Unarchive(ctx, threadID); uerr != nil {
			return "", fmt.Errorf("unarchive thread: %w", uerr)
		}
		id, err = s.messenger.Send(ctx, threadID, msg)
	}
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return id, nil
}

func (s *QuizService) edit(ctx context.Context, threadID, messageID string, msg domain.Message) error {
	err := s.messenger.Edit(ctx, threadID, messageID, msg)
	if errors.Is(err, domain.ErrThreadArchived) {
		if uerr := s.messenger.Unarchive(ctx, threadID); uerr != nil {
			return fmt.Errorf("unarchive thread: %w", uerr)
		}
		err = s.messenger.Edit(ctx, threadID, messageID, msg)
	}
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (s *QuizService) armLocked(sess *Session, d time.Duration, fire func(*Session, uint64)) {
	sess.gen++
	gen := sess.gen
	sess.timer = s.afterFunc(d, func() { fire(sess, gen) })
}

func (s *QuizService) disarmLocked(sess *Session) {
	sess.gen++
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
}

func (s *QuizService) bindLocked(sess *Session, messageID string, msg domain.Message, state State) {
	sess.messageID = messageID
	sess.message = msg
	sess.state = state
	s.mu.Lock()
	s.byMessage[messageID] = sess
	s.mu.Unlock()
}

func (s *QuizService) unbindLocked(sess *Session) {
	if sess.messageID == "" {
		return
	}
	s.mu.Lock()
	if s.byMessage[sess.messageID] == sess {
		delete(s.byMessage, sess.messageID)
	}
	s.mu.Unlock()
	sess.messageID = ""
}

func (s *QuizService) session(userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[userID]
}

func (s *QuizService) track(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.userID] = sess
	s.mu.Unlock()
}

func (s *QuizService) untrack(sess *Session) {
	s.mu.Lock()
	if s.sessions[sess.userID] == sess {
		delete(s.sessions, sess.userID)
	}
	s.mu.Unlock()
}

func threadName(actor domain.Actor) string {
	name := actor.DisplayName
	if name == "" {
		name = actor.UserID
	}
	return "quiz-" + name
}

// UserMessage turns an error from the quiz service into text fit for the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrSessionActive):
		return "You already have a quiz in progress. Finish it in your quiz thread first."
	case errors.Is(err, domain.ErrEmptyCorpus):
		return "The quiz is not set up yet: there are no questions. Please tell a moderator."
	case errors.Is(err, domain.ErrMalformedQuestion):
		return "The next question could not be loaded because it is malformed. A moderator needs to fix it."
	case errors.Is(err, domain.ErrNotPrivileged):
		return "You need moderation permissions to do that."
	case errors.Is(err, domain.ErrNotSessionOwner):
		return "This quiz belongs to someone else."
	case errors.Is(err, domain.ErrInteractionExpired):
		return "This button is no longer active."
	default:
		return "Something went wrong. Please try again later."
	}
}
