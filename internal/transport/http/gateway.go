package http

import (
	"context"
	"sync"

	"quizbot/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const clientBuffer = 64

// Gateway is the chat surface the quiz talks to. It keeps per-user threads
// and their messages in memory and pushes every change to the owner's
// connected websocket clients. It implements app.Messenger.
type Gateway struct {
	logger *zap.Logger

	mu       sync.RWMutex
	threads  map[string]*thread
	byOwner  map[ownerKey]string
	messages map[string]*storedMessage
	clients  map[string]map[*client]struct{}
}

type ownerKey struct {
	community string
	user      string
}

type thread struct {
	id          string
	communityID string
	ownerID     string
	name        string
	archived    bool
	messageIDs  []string
}

type storedMessage struct {
	threadID string
	msg      domain.Message
}

// client is one websocket connection's outbound queue.
type client struct {
	userID string
	send   chan outboundMessage
}

type threadEvent struct {
	ThreadID string `json:"threadId"`
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
}

type messageEvent struct {
	ThreadID  string         `json:"threadId"`
	MessageID string         `json:"messageId"`
	Message   domain.Message `json:"message"`
}

func NewGateway(logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		logger:   logger,
		threads:  make(map[string]*thread),
		byOwner:  make(map[ownerKey]string),
		messages: make(map[string]*storedMessage),
		clients:  make(map[string]map[*client]struct{}),
	}
}

// OpenThread returns the user's thread in the community, creating it on first use.
// An existing thread keeps its archived flag.
func (g *Gateway) OpenThread(_ context.Context, communityID, userID, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := ownerKey{community: communityID, user: userID}
	if id, ok := g.byOwner[key]; ok {
		return id, nil
	}
	th := &thread{
		id:          uuid.NewString(),
		communityID: communityID,
		ownerID:     userID,
		name:        name,
	}
	g.threads[th.id] = th
	g.byOwner[key] = th.id
	g.pushLocked(userID, outboundMessage{Type: "thread", Payload: th.event()})
	return th.id, nil
}

func (g *Gateway) Send(_ context.Context, threadID string, msg domain.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	th, ok := g.threads[threadID]
	if !ok {
		return "", domain.ErrThreadNotFound
	}
	if th.archived {
		return "", domain.ErrThreadArchived
	}
	id := uuid.NewString()
	g.messages[id] = &storedMessage{threadID: threadID, msg: msg}
	th.messageIDs = append(th.messageIDs, id)
	g.pushLocked(th.ownerID, outboundMessage{Type: "message", Payload: messageEvent{ThreadID: threadID, MessageID: id, Message: msg}})
	return id, nil
}

func (g *Gateway) Edit(_ context.Context, threadID, messageID string, msg domain.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	th, ok := g.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}
	if th.archived {
		return domain.ErrThreadArchived
	}
	stored, ok := g.messages[messageID]
	if !ok || stored.threadID != threadID {
		return domain.ErrMessageNotFound
	}
	stored.msg = msg
	g.pushLocked(th.ownerID, outboundMessage{Type: "edit", Payload: messageEvent{ThreadID: threadID, MessageID: messageID, Message: msg}})
	return nil
}

func (g *Gateway) Archive(_ context.Context, threadID string) error {
	return g.setArchived(threadID, true)
}

func (g *Gateway) Unarchive(_ context.Context, threadID string) error {
	return g.setArchived(threadID, false)
}

func (g *Gateway) setArchived(threadID string, archived bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	th, ok := g.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}
	if th.archived == archived {
		return nil
	}
	th.archived = archived
	g.pushLocked(th.ownerID, outboundMessage{Type: "thread", Payload: th.event()})
	return nil
}

// register attaches a connection and queues the user's thread history on it.
func (g *Gateway) register(userID string) *client {
	c := &client{userID: userID, send: make(chan outboundMessage, clientBuffer)}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clients[userID] == nil {
		g.clients[userID] = make(map[*client]struct{})
	}
	g.clients[userID][c] = struct{}{}

	for _, th := range g.threads {
		if th.ownerID != userID {
			continue
		}
		g.offerLocked(c, outboundMessage{Type: "thread", Payload: th.event()})
		for _, id := range th.messageIDs {
			stored := g.messages[id]
			g.offerLocked(c, outboundMessage{Type: "message", Payload: messageEvent{ThreadID: th.id, MessageID: id, Message: stored.msg}})
		}
	}
	return c
}

// unregister detaches c and closes its queue. Safe to call once per client.
func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(g.clients, c.userID)
		}
	}
	close(c.send)
}

// reply queues msg for a single connection.
func (g *Gateway) reply(c *client, msg outboundMessage) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	g.offerLocked(c, msg)
}

func (g *Gateway) pushLocked(userID string, msg outboundMessage) {
	for c := range g.clients[userID] {
		g.offerLocked(c, msg)
	}
}

// offerLocked never blocks: a client that cannot keep up loses the event
// and can reconnect to get the thread history again.
func (g *Gateway) offerLocked(c *client, msg outboundMessage) {
	select {
	case c.send <- msg:
	default:
		g.logger.Warn("dropping event for slow client", zap.String("user", c.userID), zap.String("type", msg.Type))
	}
}

// Thread returns a snapshot of a thread's state and messages, oldest first.
func (g *Gateway) Thread(threadID string) (archived bool, messages []domain.Message, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	th, ok := g.threads[threadID]
	if !ok {
		return false, nil, false
	}
	for _, id := range th.messageIDs {
		messages = append(messages, g.messages[id].msg)
	}
	return th.archived, messages, true
}

func (th *thread) event() threadEvent {
	return threadEvent{ThreadID: th.id, Name: th.name, Archived: th.archived}
}
