package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"
)

// optionList stores texts the way the question table does, with ids "A", "B", ...
func optionList(texts ...string) json.RawMessage {
	type option struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	opts := make([]option, len(texts))
	for i, text := range texts {
		opts[i] = option{ID: string(rune('A' + i)), Text: text}
	}
	data, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}
	return data
}

type sentMessage struct {
	id       string
	threadID string
	msg      domain.Message
}

type fakeThread struct {
	archived bool
	// sticky threads stay archived no matter what.
	sticky bool
}

// fakeMessenger records what the quiz posts and mimics thread archiving.
type fakeMessenger struct {
	mu         sync.Mutex
	nextID     int
	threads    map[string]*fakeThread
	messages   map[string]domain.Message
	sent       []sentMessage
	opened     int
	unarchived int
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		threads:  make(map[string]*fakeThread),
		messages: make(map[string]domain.Message),
	}
}

func (m *fakeMessenger) OpenThread(_ context.Context, _, userID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "thread-" + userID
	if _, ok := m.threads[id]; !ok {
		m.threads[id] = &fakeThread{}
	}
	m.opened++
	return id, nil
}

func (m *fakeMessenger) Send(_ context.Context, threadID string, msg domain.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return "", domain.ErrThreadNotFound
	}
	if th.archived {
		return "", domain.ErrThreadArchived
	}
	m.nextID++
	id := fmt.Sprintf("m%d", m.nextID)
	m.messages[id] = msg
	m.sent = append(m.sent, sentMessage{id: id, threadID: threadID, msg: msg})
	return id, nil
}

func (m *fakeMessenger) Edit(_ context.Context, threadID, messageID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th := m.threads[threadID]; th != nil && th.archived {
		return domain.ErrThreadArchived
	}
	if _, ok := m.messages[messageID]; !ok {
		return domain.ErrMessageNotFound
	}
	m.messages[messageID] = msg
	return nil
}

func (m *fakeMessenger) Unarchive(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}
	m.unarchived++
	if !th.sticky {
		th.archived = false
	}
	return nil
}

func (m *fakeMessenger) Archive(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th, ok := m.threads[threadID]; ok {
		th.archived = true
	}
	return nil
}

func (m *fakeMessenger) archive(threadID string, sticky bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[threadID] = &fakeThread{archived: true, sticky: sticky}
}

func (m *fakeMessenger) isArchived(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	th, ok := m.threads[threadID]
	return ok && th.archived
}

// lastInteractive returns the most recently sent message that carried buttons.
func (m *fakeMessenger) lastInteractive() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if len(m.sent[i].msg.Buttons) > 0 {
			return m.sent[i]
		}
	}
	return sentMessage{}
}

func (m *fakeMessenger) last() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMessage{}
	}
	return m.sent[len(m.sent)-1]
}

// current returns the latest content of a message, edits included.
func (m *fakeMessenger) current(id string) domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id]
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualClock hands out timers that only fire when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) app.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fireLatest runs the newest timer that is still armed.
func (c *manualClock) fireLatest() bool {
	c.mu.Lock()
	var target *manualTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if !c.timers[i].stopped {
			target = c.timers[i]
			break
		}
	}
	if target != nil {
		target.stopped = true
	}
	c.mu.Unlock()

	if target == nil {
		return false
	}
	target.f()
	return true
}

// fireStale runs timer i even if it was stopped, as if it raced the stop.
func (c *manualClock) fireStale(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.f()
}

func (c *manualClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
