package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"
	"quizbot/internal/infra/memory"

	"github.com/gorilla/websocket"
)

type testServer struct {
	server   *httptest.Server
	service  *app.QuizService
	registry *memory.SessionRegistry
	gateway  *Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	registry := memory.NewSessionRegistry()
	board := memory.NewLeaderboard()
	reporter := app.NewLeaderboardReporter(board, nil)
	gateway := NewGateway(nil)
	questions := app.NewQuestionStore(memory.NewQuestionSource(sampleQuestions()), "", nil)
	service := app.NewQuizService(registry, questions, reporter, gateway, memory.NewStaticAuthorizer([]string{"mod"}), app.Options{})
	t.Cleanup(service.Close)

	router := NewRouter(NewWSHandler(service, gateway, nil), service, reporter, nil)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testServer{server: server, service: service, registry: registry, gateway: gateway}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + s.server.URL[len("http"):] + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	ThreadID  string         `json:"threadId"`
	MessageID string         `json:"messageId"`
	Message   domain.Message `json:"message"`
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	var ev event
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read json: %v", err)
	}
	return ev
}

// readUntil skips events until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) event {
	t.Helper()
	for i := 0; i < 20; i++ {
		ev := readEvent(t, conn)
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event within 20 reads", typ)
	return event{}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return v
}

func command(name string) map[string]any {
	return map[string]any{"type": "command", "payload": map[string]any{"name": name}}
}

func click(messageID, control string) map[string]any {
	return map[string]any{"type": "interaction", "payload": map[string]any{"messageId": messageID, "controlId": control}}
}

func TestWebSocketQuizFlow(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "userId=u1&name=Alice&communityId=g1")

	if err := conn.WriteJSON(command("quiz")); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if ev := readEvent(t, conn); ev.Type != "thread" {
		t.Fatalf("expected thread event first, got %s", ev.Type)
	}
	question := decode[messagePayload](t, readUntil(t, conn, "message").Payload)
	if question.Message.Title != "Question 1 of 2" {
		t.Fatalf("unexpected question %+v", question.Message)
	}
	reply := decode[replyPayload](t, readUntil(t, conn, "reply").Payload)
	if reply.Command != "quiz" || !strings.Contains(reply.Text, "question 1 of 2") {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if err := conn.WriteJSON(click(question.MessageID, "answer:1")); err != nil {
		t.Fatalf("write click: %v", err)
	}
	reveal := decode[messagePayload](t, readUntil(t, conn, "edit").Payload)
	if reveal.MessageID != question.MessageID || !strings.Contains(reveal.Message.Body, "Correct") {
		t.Fatalf("unexpected reveal %+v", reveal)
	}
	prompt := decode[messagePayload](t, readUntil(t, conn, "message").Payload)
	if len(prompt.Message.Buttons) != 2 {
		t.Fatalf("expected continue prompt, got %+v", prompt.Message)
	}

	if err := conn.WriteJSON(click(prompt.MessageID, "continue:no")); err != nil {
		t.Fatalf("write click: %v", err)
	}
	final := decode[messagePayload](t, readUntil(t, conn, "message").Payload)
	if final.Message.Title != "Quiz stopped." {
		t.Fatalf("unexpected final message %+v", final.Message)
	}
	archived := decode[threadEvent](t, readUntil(t, conn, "thread").Payload)
	if !archived.Archived {
		t.Fatalf("expected archived thread event")
	}

	resp, err := http.Get(ts.server.URL + "/api/leaderboard?community=g1")
	if err != nil {
		t.Fatalf("get leaderboard: %v", err)
	}
	defer resp.Body.Close()
	var board leaderboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&board); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if len(board.Entries) != 1 || board.Entries[0].UserID != "u1" || board.Entries[0].Correct != 1 || board.Entries[0].Rank != 1 {
		t.Fatalf("unexpected leaderboard %+v", board)
	}
}

func TestWebSocketRejectsForeignClicks(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "userId=u1&name=Alice")
	bob := ts.dial(t, "userId=u2&name=Bob")

	_ = alice.WriteJSON(command("quiz"))
	question := decode[messagePayload](t, readUntil(t, alice, "message").Payload)

	_ = bob.WriteJSON(click(question.MessageID, "answer:1"))
	errEv := decode[errorPayload](t, readUntil(t, bob, "error").Payload)
	if errEv.Message != app.UserMessage(domain.ErrNotSessionOwner) {
		t.Fatalf("unexpected error %q", errEv.Message)
	}
	if state, _ := ts.service.SessionState("u1"); state != app.StatePresenting {
		t.Fatalf("foreign click changed state to %s", state)
	}
}

func TestWebSocketReplaysThreadHistory(t *testing.T) {
	ts := newTestServer(t)
	first := ts.dial(t, "userId=u1&name=Alice")
	_ = first.WriteJSON(command("quiz"))
	question := decode[messagePayload](t, readUntil(t, first, "message").Payload)
	readUntil(t, first, "reply")

	second := ts.dial(t, "userId=u1&name=Alice")
	if ev := readEvent(t, second); ev.Type != "thread" {
		t.Fatalf("expected thread replay first, got %s", ev.Type)
	}
	replayed := decode[messagePayload](t, readUntil(t, second, "message").Payload)
	if replayed.MessageID != question.MessageID {
		t.Fatalf("expected replay of %s, got %s", question.MessageID, replayed.MessageID)
	}

	// Either connection can drive the session.
	_ = second.WriteJSON(click(question.MessageID, "skip"))
	readUntil(t, second, "edit")
	readUntil(t, first, "edit")
}

func TestWebSocketCommands(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "userId=u1&name=Alice")
	_ = ts.registry.RecordAnswer(context.Background(), "u1", true)

	_ = conn.WriteJSON(command("score"))
	reply := decode[replyPayload](t, readUntil(t, conn, "reply").Payload)
	if reply.Score == nil || reply.Score.Correct != 1 || reply.Score.Total != 1 {
		t.Fatalf("unexpected score reply %+v", reply)
	}

	_ = conn.WriteJSON(command("resetprogress"))
	errEv := decode[errorPayload](t, readUntil(t, conn, "error").Payload)
	if errEv.Message != app.UserMessage(domain.ErrNotPrivileged) {
		t.Fatalf("unexpected error %q", errEv.Message)
	}

	_ = conn.WriteJSON(command("dance"))
	errEv = decode[errorPayload](t, readUntil(t, conn, "error").Payload)
	if !strings.Contains(errEv.Message, "unknown command") {
		t.Fatalf("unexpected error %q", errEv.Message)
	}

	_ = conn.WriteJSON(map[string]any{"type": "shout"})
	errEv = decode[errorPayload](t, readUntil(t, conn, "error").Payload)
	if errEv.Message != "unsupported message type" {
		t.Fatalf("unexpected error %q", errEv.Message)
	}
}

func TestServeWSRequiresIdentity(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.server.URL + "/ws?userId=u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestScoreAPI(t *testing.T) {
	ts := newTestServer(t)
	_ = ts.registry.RecordAnswer(context.Background(), "u1", false)

	resp, err := http.Get(ts.server.URL + "/api/score?user=u1")
	if err != nil {
		t.Fatalf("get score: %v", err)
	}
	defer resp.Body.Close()
	var got scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != "u1" || got.Correct != 0 || got.Total != 1 {
		t.Fatalf("unexpected score %+v", got)
	}

	bad, err := http.Get(ts.server.URL + "/api/leaderboard?limit=abc")
	if err != nil {
		t.Fatalf("get leaderboard: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", bad.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func sampleQuestions() []domain.RawQuestion {
	return []domain.RawQuestion{
		{
			ID:        "1",
			Kind:      app.DefaultQuestionKind,
			Title:     "What is 2 + 2?",
			Options:   json.RawMessage(`[{"id":"o1","text":"3"},{"id":"o2","text":"4"},{"id":"o3","text":"5"}]`),
			AnswerKey: "o2",
		},
		{
			ID:        "2",
			Kind:      app.DefaultQuestionKind,
			Title:     "Capital of Italy?",
			Options:   json.RawMessage(`[{"id":"a","text":"Paris"},{"id":"b","text":"Rome"}]`),
			AnswerKey: "Rome",
		},
	}
}
