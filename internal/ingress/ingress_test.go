package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ChatHive/entity"
	"ChatHive/internal/chat"
	"ChatHive/internal/lib/keylock"
	"ChatHive/internal/tenant"
)

type fakeResolver struct {
	endpoint *entity.Endpoint
}

func (r *fakeResolver) Resolve(_ context.Context, _ string, _ entity.EndpointID) (*entity.Endpoint, error) {
	if r.endpoint == nil {
		return nil, tenant.ErrNotFound
	}
	return r.endpoint, nil
}

type fakeIngressStore struct {
	mu         sync.Mutex
	known      map[string]bool
	upserts    []*entity.InboundEvent
	statuses   []*entity.StatusEvent
	duplicates int

	// slowFor stalls the upsert of specific provider message ids, emulating
	// a slow storage round trip.
	slowFor map[string]time.Duration
}

func (s *fakeIngressStore) UpsertInbound(_ context.Context, endpoint *entity.Endpoint, ev *entity.InboundEvent) (*entity.Message, *entity.Conversation, bool, error) {
	s.mu.Lock()
	delay := s.slowFor[ev.ProviderMessageID]
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[ev.ProviderMessageID] {
		s.duplicates++
		return &entity.Message{}, entity.NewConversation(endpoint.AccountID, endpoint.ID, ev.Counterparty, ev.CounterpartyName), true, nil
	}
	if s.known == nil {
		s.known = make(map[string]bool)
	}
	s.known[ev.ProviderMessageID] = true
	s.upserts = append(s.upserts, ev)

	conv := entity.NewConversation(endpoint.AccountID, endpoint.ID, ev.Counterparty, ev.CounterpartyName)
	msg := entity.NewMessage(conv, entity.DirectionInbound)
	msg.Text = ev.Text
	return msg, conv, false, nil
}

func (s *fakeIngressStore) ApplyStatus(_ context.Context, ev *entity.StatusEvent) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, ev)
	return nil, nil
}

func (s *fakeIngressStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func (s *fakeIngressStore) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

type fakeAutomation struct {
	mu      sync.Mutex
	handled []string
}

func (a *fakeAutomation) HandleInbound(_ context.Context, _ *entity.Conversation, msg *entity.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handled = append(a.handled, msg.Text)
	return nil
}

func (a *fakeAutomation) handledCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handled)
}

const testSecret = "app-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func messagePayload(providerID, text string) []byte {
	return []byte(fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"messaging_product": "whatsapp",
					"metadata": {"display_phone_number": "15550001111", "phone_number_id": "111"},
					"contacts": [{"profile": {"name": "Dana"}, "wa_id": "15557770000"}],
					"messages": [{
						"from": "15557770000",
						"id": %q,
						"timestamp": "1700000000",
						"type": "text",
						"text": {"body": %q}
					}]
				}
			}]
		}]
	}`, providerID, text))
}

func testIngress(t *testing.T, resolver *fakeResolver, store *fakeIngressStore, engine *fakeAutomation, queueSize int) *Ingress {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testSecret, "verify-token", resolver, store, engine, keylock.New(), 2, queueSize, log)
}

func startedIngress(t *testing.T, resolver *fakeResolver, store *fakeIngressStore, engine *fakeAutomation) *Ingress {
	t.Helper()
	in := testIngress(t, resolver, store, engine, 64)
	ctx, cancel := context.WithCancel(context.Background())
	in.Start(ctx)
	t.Cleanup(func() {
		cancel()
		in.Wait()
	})
	return in
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVerifySubscription(t *testing.T) {
	in := testIngress(t, &fakeResolver{}, &fakeIngressStore{}, &fakeAutomation{}, 4)

	if !in.VerifySubscription("subscribe", "verify-token") {
		t.Fatal("valid handshake rejected")
	}
	if in.VerifySubscription("subscribe", "wrong") {
		t.Fatal("wrong token accepted")
	}
	if in.VerifySubscription("unsubscribe", "verify-token") {
		t.Fatal("wrong mode accepted")
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	store := &fakeIngressStore{}
	in := testIngress(t, &fakeResolver{}, store, &fakeAutomation{}, 4)

	body := messagePayload("wamid.1", "hello")

	if err := in.Ingest(body, "sha256=deadbeef"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if err := in.Ingest(body, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
	if store.upsertCount() != 0 {
		t.Fatal("rejected delivery had side effects")
	}
}

func TestIngestProcessesSignedMessage(t *testing.T) {
	endpoint := &entity.Endpoint{ID: "111", AccountID: "acc-1", IsActive: true}
	store := &fakeIngressStore{}
	engine := &fakeAutomation{}
	in := startedIngress(t, &fakeResolver{endpoint: endpoint}, store, engine)

	body := messagePayload("wamid.1", "book")
	if err := in.Ingest(body, sign(body)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	waitFor(t, "message processing", func() bool { return engine.handledCount() == 1 })

	store.mu.Lock()
	defer store.mu.Unlock()
	ev := store.upserts[0]
	if ev.EndpointID != "111" || ev.Counterparty != "15557770000" || ev.Text != "book" {
		t.Fatalf("event normalized wrong: %+v", ev)
	}
	if ev.CounterpartyName != "Dana" {
		t.Fatalf("contact name not carried: %q", ev.CounterpartyName)
	}
}

func TestSameConversationKeepsAcceptanceOrder(t *testing.T) {
	endpoint := &entity.Endpoint{ID: "111", AccountID: "acc-1", IsActive: true}
	// The first event's storage round trip is slow. If another worker could
	// pick up the second event it would finish first and invert the thread.
	store := &fakeIngressStore{slowFor: map[string]time.Duration{"wamid.first": 150 * time.Millisecond}}
	engine := &fakeAutomation{}
	in := startedIngress(t, &fakeResolver{endpoint: endpoint}, store, engine)

	first := messagePayload("wamid.first", "first")
	if err := in.Ingest(first, sign(first)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second := messagePayload("wamid.second", "second")
	if err := in.Ingest(second, sign(second)); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	waitFor(t, "both messages processed", func() bool { return store.upsertCount() == 2 })

	store.mu.Lock()
	defer store.mu.Unlock()
	got := []string{store.upserts[0].ProviderMessageID, store.upserts[1].ProviderMessageID}
	if got[0] != "wamid.first" || got[1] != "wamid.second" {
		t.Fatalf("stored order %v violates acceptance order", got)
	}
}

func TestRedeliveryDropped(t *testing.T) {
	endpoint := &entity.Endpoint{ID: "111", AccountID: "acc-1", IsActive: true}
	store := &fakeIngressStore{known: map[string]bool{"wamid.seen": true}}
	engine := &fakeAutomation{}
	in := startedIngress(t, &fakeResolver{endpoint: endpoint}, store, engine)

	body := messagePayload("wamid.seen", "book")
	if err := in.Ingest(body, sign(body)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Give the worker a moment; nothing should come out the other side.
	time.Sleep(50 * time.Millisecond)
	if store.upsertCount() != 0 {
		t.Fatal("redelivered message stored again")
	}
	if engine.handledCount() != 0 {
		t.Fatal("redelivered message reached automation")
	}
}

func TestOrphanedEventDropped(t *testing.T) {
	store := &fakeIngressStore{}
	engine := &fakeAutomation{}
	in := startedIngress(t, &fakeResolver{endpoint: nil}, store, engine)

	body := messagePayload("wamid.1", "hello")
	if err := in.Ingest(body, sign(body)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if store.upsertCount() != 0 {
		t.Fatal("orphaned event was stored")
	}
}

func TestStatusEventApplied(t *testing.T) {
	endpoint := &entity.Endpoint{ID: "111", AccountID: "acc-1", IsActive: true}
	store := &fakeIngressStore{}
	in := startedIngress(t, &fakeResolver{endpoint: endpoint}, store, &fakeAutomation{})

	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "111"},
					"statuses": [{"id": "wamid.out", "status": "delivered", "timestamp": "1700000000", "recipient_id": "15557770000"}]
				}
			}]
		}]
	}`)
	if err := in.Ingest(body, sign(body)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	waitFor(t, "status processing", func() bool { return store.statusCount() == 1 })

	store.mu.Lock()
	defer store.mu.Unlock()
	st := store.statuses[0]
	if st.ProviderMessageID != "wamid.out" || st.Status != "delivered" || st.EndpointID != "111" {
		t.Fatalf("status normalized wrong: %+v", st)
	}
}

func TestQueueFull(t *testing.T) {
	// One slot, no workers draining it.
	in := testIngress(t, &fakeResolver{}, &fakeIngressStore{}, &fakeAutomation{}, 1)

	first := messagePayload("wamid.1", "one")
	if err := in.Ingest(first, sign(first)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	second := messagePayload("wamid.2", "two")
	if err := in.Ingest(second, sign(second)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestNormalizeIgnoresForeignObjects(t *testing.T) {
	var p WebhookPayload
	p.Object = "instagram"

	messages, statuses := p.Normalize()
	if messages != nil || statuses != nil {
		t.Fatal("foreign object produced events")
	}
}

func TestNormalizeInteractiveReplies(t *testing.T) {
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "111"},
					"messages": [
						{
							"from": "15557770000", "id": "wamid.b", "timestamp": "1700000000",
							"type": "interactive",
							"interactive": {"type": "button_reply", "button_reply": {"id": "yes", "title": "Yes please"}}
						},
						{
							"from": "15557770000", "id": "wamid.l", "timestamp": "1700000000",
							"type": "interactive",
							"interactive": {"type": "list_reply", "list_reply": {"id": "opt-1", "title": "Morning slot"}}
						}
					]
				}
			}]
		}]
	}`)

	in := testIngress(t, &fakeResolver{}, &fakeIngressStore{}, &fakeAutomation{}, 8)
	if err := in.Ingest(body, sign(body)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Both replies share a conversation key and land on the same shard;
	// drain it directly to inspect normalization.
	q := in.queues[in.shard(chat.Key("111", "15557770000"))]
	j1 := <-q
	j2 := <-q
	if j1.message.Text != "Yes please" {
		t.Fatalf("button reply text = %q", j1.message.Text)
	}
	if j2.message.Text != "Morning slot" {
		t.Fatalf("list reply text = %q", j2.message.Text)
	}
}
