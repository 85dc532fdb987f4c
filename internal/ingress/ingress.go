// Package ingress terminates the provider's webhook delivery: it verifies the
// payload signature, deduplicates redelivered events and pushes normalized
// events through the resolve, store, automation chain on a bounded worker
// pool. Events are sharded onto workers by conversation key, so everything
// for one conversation runs on one worker in acceptance order. The provider
// always gets a fast acknowledgement; downstream failures are retried
// internally and never surfaced as delivery failures.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"ChatHive/entity"
	"ChatHive/internal/chat"
	"ChatHive/internal/lib/keylock"
	"ChatHive/internal/lib/sl"
	"ChatHive/internal/tenant"
)

var (
	// ErrInvalidSignature rejects a delivery whose signature does not match
	// the shared secret. The only ingress error with no side effects.
	ErrInvalidSignature = errors.New("ingress: invalid payload signature")
	// ErrQueueFull reports that the event queue cannot absorb the delivery.
	ErrQueueFull = errors.New("ingress: event queue full")
)

const processAttempts = 3

// Resolver maps provider identifiers to the owning endpoint.
type Resolver interface {
	Resolve(ctx context.Context, businessAccountID string, endpointID entity.EndpointID) (*entity.Endpoint, error)
}

// Store is the conversation-store surface the pipeline drives.
type Store interface {
	UpsertInbound(ctx context.Context, endpoint *entity.Endpoint, ev *entity.InboundEvent) (*entity.Message, *entity.Conversation, bool, error)
	ApplyStatus(ctx context.Context, ev *entity.StatusEvent) (*entity.Message, error)
}

// Automation receives each stored inbound message for rule evaluation.
type Automation interface {
	HandleInbound(ctx context.Context, conv *entity.Conversation, msg *entity.Message) error
}

type job struct {
	message *entity.InboundEvent
	status  *entity.StatusEvent
}

type Ingress struct {
	appSecret   string
	verifyToken string

	resolver Resolver
	store    Store
	engine   Automation
	locks    *keylock.KeyLock

	// One queue per worker; a conversation key always hashes to the same
	// queue, which is what keeps same-conversation events in order.
	queues []chan job
	wg     sync.WaitGroup
	log    *slog.Logger
}

func New(appSecret, verifyToken string, resolver Resolver, store Store, engine Automation, locks *keylock.KeyLock, workers, queueSize int, log *slog.Logger) *Ingress {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	perShard := queueSize / workers
	if perShard < 1 {
		perShard = 1
	}
	queues := make([]chan job, workers)
	for n := range queues {
		queues[n] = make(chan job, perShard)
	}
	return &Ingress{
		appSecret:   appSecret,
		verifyToken: verifyToken,
		resolver:    resolver,
		store:       store,
		engine:      engine,
		locks:       locks,
		queues:      queues,
		log:         log.With(sl.Module("ingress")),
	}
}

// Start launches the worker pool. Workers drain the queue until ctx ends.
func (i *Ingress) Start(ctx context.Context) {
	for n := range i.queues {
		q := i.queues[n]
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-q:
					i.process(ctx, j)
				}
			}
		}()
	}
	i.log.Info("ingress workers started", slog.Int("workers", len(i.queues)))
}

// Wait blocks until all workers have exited.
func (i *Ingress) Wait() {
	i.wg.Wait()
}

// VerifySubscription answers the provider's webhook verification handshake.
func (i *Ingress) VerifySubscription(mode, token string) bool {
	return mode == "subscribe" && token == i.verifyToken
}

// Ingest accepts one raw webhook delivery. The signature is checked against
// the raw body before anything else; a mismatch has no side effects. Parsed
// events are queued for the workers and the call returns immediately so the
// provider gets its acknowledgement without waiting on downstream work.
func (i *Ingress) Ingest(raw []byte, signature string) error {
	if i.appSecret != "" && !i.verifySignature(raw, signature) {
		return ErrInvalidSignature
	}

	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parse webhook payload: %w", err)
	}

	messages, statuses := payload.Normalize()
	for idx := range messages {
		ev := &messages[idx]
		if !i.enqueue(chat.Key(ev.EndpointID, ev.Counterparty), job{message: ev}) {
			return ErrQueueFull
		}
	}
	for idx := range statuses {
		ev := &statuses[idx]
		if !i.enqueue(chat.Key(ev.EndpointID, ev.ProviderMessageID), job{status: ev}) {
			return ErrQueueFull
		}
	}
	return nil
}

func (i *Ingress) enqueue(key string, j job) bool {
	select {
	case i.queues[i.shard(key)] <- j:
		return true
	default:
		i.log.Error("event queue full, dropping delivery")
		return false
	}
}

func (i *Ingress) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(i.queues)))
}

// process runs one queued event, retrying transient downstream failures with
// jittered backoff before giving up. Failures are absorbed here: webhook
// delivery is never blocked on tenant-specific automation bugs.
func (i *Ingress) process(ctx context.Context, j job) {
	operation := func() error {
		if j.message != nil {
			return i.processMessage(ctx, j.message)
		}
		return i.processStatus(ctx, j.status)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), processAttempts-1),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		i.log.Error("event processing failed", sl.Err(err))
	}
}

func (i *Ingress) processMessage(ctx context.Context, ev *entity.InboundEvent) error {
	endpoint, err := i.resolver.Resolve(ctx, ev.BusinessAccountID, ev.EndpointID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			// Fails closed: never attribute the event to a fallback tenant.
			i.log.Warn("orphaned event dropped",
				slog.String("business_account_id", ev.BusinessAccountID),
				slog.String("endpoint_id", string(ev.EndpointID)),
			)
			return nil
		}
		return fmt.Errorf("tenant resolution: %w", err)
	}

	key := chat.Key(endpoint.ID, ev.Counterparty)
	i.locks.Lock(key)
	defer i.locks.Unlock(key)

	msg, conv, duplicate, err := i.store.UpsertInbound(ctx, endpoint, ev)
	if err != nil {
		return fmt.Errorf("storing inbound: %w", err)
	}
	if duplicate {
		i.log.Debug("duplicate event dropped",
			slog.String("provider_message_id", ev.ProviderMessageID),
		)
		return nil
	}

	if err := i.engine.HandleInbound(ctx, conv, msg); err != nil {
		// The message is stored; automation bugs must not fail the event.
		i.log.Error("automation failed",
			slog.String("conversation_id", conv.ID),
			sl.Err(err),
		)
	}
	return nil
}

func (i *Ingress) processStatus(ctx context.Context, ev *entity.StatusEvent) error {
	if _, err := i.store.ApplyStatus(ctx, ev); err != nil {
		return fmt.Errorf("applying status: %w", err)
	}
	return nil
}

// verifySignature checks the X-Hub-Signature-256 header: "sha256=" followed by
// the hex HMAC of the raw body under the shared app secret.
func (i *Ingress) verifySignature(body []byte, signature string) bool {
	if len(signature) < 8 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(i.appSecret))
	mac.Write(body)
	actual := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(actual))
}
