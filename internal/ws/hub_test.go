package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ChatHive/entity"
)

type recordingHandler struct {
	mu    sync.Mutex
	reads []string
	fail  bool
}

func (h *recordingHandler) HandleMarkRead(user *entity.UserAuth, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("mark read failed")
	}
	h.reads = append(h.reads, user.Username+":"+conversationID)
	return nil
}

func (h *recordingHandler) readCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reads)
}

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go h.Run()
	return h
}

func testClient(h *Hub, username string) *Client {
	return &Client{
		hub:  h,
		send: make(chan []byte, 8),
		user: &entity.UserAuth{Username: username, AccountID: "acct-1"},
		subs: make(map[string]bool),
	}
}

func recv(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case raw := <-c.send:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return &ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	return nil
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.send:
		t.Fatalf("unexpected event delivered: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	h := testHub(t)

	subscriber := testClient(h, "ana")
	bystander := testClient(h, "bob")
	h.register <- subscriber
	h.register <- bystander
	subscriber.subscribe("conv-1")

	h.NotifyNewMessage("conv-1", &entity.Message{ID: "m1", Text: "hello"})

	ev := recv(t, subscriber)
	if ev.Type != "new_message" {
		t.Errorf("event type = %q, want new_message", ev.Type)
	}
	if ev.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q, want conv-1", ev.ConversationID)
	}

	assertSilent(t, bystander)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := testHub(t)

	c := testClient(h, "ana")
	h.register <- c
	c.subscribe("conv-1")

	h.NotifyStatusChanged("conv-1", map[string]string{"status": "delivered"})
	if ev := recv(t, c); ev.Type != "status_changed" {
		t.Fatalf("event type = %q, want status_changed", ev.Type)
	}

	c.unsubscribe("conv-1")
	h.NotifyStatusChanged("conv-1", map[string]string{"status": "read"})
	assertSilent(t, c)
}

func TestSubscriptionsAreScopedPerConversation(t *testing.T) {
	h := testHub(t)

	c := testClient(h, "ana")
	h.register <- c
	c.subscribe("conv-1")

	h.NotifyNewMessage("conv-2", &entity.Message{ID: "m1"})
	assertSilent(t, c)
}

func TestClientMessageSubscribeAndMarkRead(t *testing.T) {
	h := testHub(t)
	handler := &recordingHandler{}
	h.SetHandler(handler)

	c := testClient(h, "ana")
	h.register <- c

	h.HandleClientMessage(c, []byte(`{"type":"subscribe","data":{"conversation_id":"conv-1"}}`))
	if !c.subscribed("conv-1") {
		t.Fatal("subscribe command did not register the channel")
	}

	h.HandleClientMessage(c, []byte(`{"type":"mark_read","data":{"conversation_id":"conv-1"}}`))
	if handler.readCount() != 1 {
		t.Fatalf("handler invoked %d times, want 1", handler.readCount())
	}
	handler.mu.Lock()
	got := handler.reads[0]
	handler.mu.Unlock()
	if got != "ana:conv-1" {
		t.Errorf("mark_read recorded %q, want ana:conv-1", got)
	}

	h.HandleClientMessage(c, []byte(`{"type":"unsubscribe","data":{"conversation_id":"conv-1"}}`))
	if c.subscribed("conv-1") {
		t.Error("unsubscribe command did not remove the channel")
	}
}

func TestMalformedClientMessagesIgnored(t *testing.T) {
	h := testHub(t)
	handler := &recordingHandler{}
	h.SetHandler(handler)

	c := testClient(h, "ana")

	h.HandleClientMessage(c, []byte(`not json`))
	h.HandleClientMessage(c, []byte(`{"type":"subscribe","data":{}}`))
	h.HandleClientMessage(c, []byte(`{"type":"teleport","data":{"conversation_id":"conv-1"}}`))

	if c.subscribed("conv-1") {
		t.Error("malformed or unknown messages must not change subscriptions")
	}
	if handler.readCount() != 0 {
		t.Errorf("handler invoked %d times, want 0", handler.readCount())
	}
}

func TestSlowConsumerDropped(t *testing.T) {
	h := testHub(t)

	slow := testClient(h, "slow")
	slow.send = make(chan []byte, 1)
	h.register <- slow
	slow.subscribe("conv-1")

	healthy := testClient(h, "healthy")
	h.register <- healthy
	healthy.subscribe("conv-1")

	// First event fills the slow client's buffer, the second overflows it.
	h.NotifyNewMessage("conv-1", &entity.Message{ID: "m1"})
	h.NotifyNewMessage("conv-1", &entity.Message{ID: "m2"})

	recv(t, healthy)
	recv(t, healthy)

	// The slow client's send channel is closed once it falls behind.
	deadline := time.After(2 * time.Second)
	drained := 0
	for {
		select {
		case _, ok := <-slow.send:
			if !ok {
				if drained != 1 {
					t.Errorf("slow client drained %d events before close, want 1", drained)
				}
				return
			}
			drained++
		case <-deadline:
			t.Fatal("slow client was never dropped")
		}
	}
}
