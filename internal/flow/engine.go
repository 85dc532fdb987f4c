// Package flow is the conversation-automation state machine. It matches fresh
// inbound messages against configured rules, walks the matched workflow step
// by step, parks conversations that wait for a reply, and resolves the race
// between a reply and its timeout.
//
// Engine methods that take a conversation assume the caller holds the
// conversation's keylock; timer callbacks acquire it themselves.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChatHive/entity"
	"ChatHive/internal/chat"
	"ChatHive/internal/lib/keylock"
	"ChatHive/internal/lib/sl"
	"ChatHive/internal/lib/validate"
	"ChatHive/internal/vault"
)

// ErrConfiguration marks tenant-authored workflow mistakes (unknown step ids,
// unknown kinds). They are logged and end the instance early, never crash the
// pipeline.
var ErrConfiguration = errors.New("flow: workflow configuration error")

// Sender is the external send collaborator: deliver content, get the provider
// message id back.
type Sender interface {
	SendText(ctx context.Context, endpointID entity.EndpointID, to, text string) (string, error)
	SendButtons(ctx context.Context, endpointID entity.EndpointID, to, text string, buttons []entity.Button) (string, error)
	SendList(ctx context.Context, endpointID entity.EndpointID, to, text string, items []entity.ListItem) (string, error)
}

// RuleSource supplies the automation rules configured for a tenant.
type RuleSource interface {
	ListActiveRules(ctx context.Context, accountID entity.AccountID, endpointID entity.EndpointID) ([]entity.AutomationRule, error)
	FindRule(ctx context.Context, id string) (*entity.AutomationRule, error)
}

// Store is the conversation-store surface the engine drives.
type Store interface {
	AppendOutbound(ctx context.Context, conv *entity.Conversation, env chat.Envelope) (*entity.Message, error)
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	SetAutomationState(ctx context.Context, conversationID string, state *entity.AutomationState) error
	ClearAutomationState(ctx context.Context, conversationID string) error
	ListAutomationConversations(ctx context.Context) ([]entity.Conversation, error)
	SaveAutomationResult(ctx context.Context, result *entity.AutomationResult) error
}

type Engine struct {
	store  Store
	rules  RuleSource
	sender Sender
	timers *TimerRegistry
	locks  *keylock.KeyLock
	log    *slog.Logger
	now    func() time.Time
}

func NewEngine(store Store, rules RuleSource, sender Sender, locks *keylock.KeyLock, log *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		rules:  rules,
		sender: sender,
		timers: NewTimerRegistry(),
		locks:  locks,
		log:    log.With(sl.Module("flow.engine")),
		now:    time.Now,
	}
}

// HandleInbound evaluates a freshly stored inbound message. While a workflow
// is waiting, the message is consumed as the reply and never re-matched
// against the rule set; while a delay is pending, the message goes to the
// human inbox only. Idle conversations get fresh rule matching.
func (e *Engine) HandleInbound(ctx context.Context, conv *entity.Conversation, msg *entity.Message) error {
	if conv.Automation != nil {
		if conv.IsAwaitingReply() {
			return e.resume(ctx, conv, msg)
		}
		return nil
	}
	if !conv.IsOpen() {
		return nil
	}
	return e.match(ctx, conv, msg)
}

// match evaluates the account's rules in declaration order; first match wins.
func (e *Engine) match(ctx context.Context, conv *entity.Conversation, msg *entity.Message) error {
	rules, err := e.rules.ListActiveRules(ctx, conv.AccountID, conv.EndpointID)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}

	for i := range rules {
		rule := &rules[i]
		if err := validate.Struct(rule); err != nil {
			e.log.Warn("skipping invalid rule",
				slog.String("rule_id", rule.ID),
				sl.Err(fmt.Errorf("%w: %v", ErrConfiguration, err)),
			)
			continue
		}
		if !rule.Matches(msg.Text) {
			continue
		}

		e.log.Info("rule matched",
			slog.String("conversation_id", conv.ID),
			slog.String("rule_id", rule.ID),
		)

		state := &entity.AutomationState{
			RuleID:        rule.ID,
			CurrentStepID: rule.Workflow[0].ID,
			Variables:     make(map[string]string),
			StartedAt:     e.now(),
		}
		conv.Automation = state
		if err := e.store.SetAutomationState(ctx, conv.ID, state); err != nil {
			conv.Automation = nil
			return fmt.Errorf("saving automation state: %w", err)
		}
		return e.runFrom(ctx, conv, rule, &rule.Workflow[0])
	}

	return nil
}

// resume consumes the counterparty's reply while the workflow is waiting.
func (e *Engine) resume(ctx context.Context, conv *entity.Conversation, msg *entity.Message) error {
	// The reply wins the race: once the pending timer is cancelled under the
	// conversation key, the timeout action can no longer run.
	e.timers.Cancel(conv.ID)

	state := conv.Automation

	rule, err := e.rules.FindRule(ctx, state.RuleID)
	if err != nil {
		// The reply was not consumed; put the timeout back so the wait can
		// still expire if the store stays unreachable.
		if state.ExpiresAt != nil {
			e.scheduleTimeout(conv, *state.ExpiresAt)
		}
		return fmt.Errorf("loading rule %s: %w", state.RuleID, err)
	}
	if rule == nil {
		e.log.Warn("rule vanished mid-workflow, completing",
			slog.String("conversation_id", conv.ID),
			slog.String("rule_id", state.RuleID),
		)
		return e.complete(ctx, conv, entity.OutcomeCompleted)
	}

	step, ok := rule.StepByID(state.CurrentStepID)
	if !ok {
		e.log.Warn("waiting step missing from workflow",
			slog.String("rule_id", rule.ID),
			slog.String("step_id", state.CurrentStepID),
			sl.Err(ErrConfiguration),
		)
		return e.complete(ctx, conv, entity.OutcomeCompleted)
	}

	if step.SaveAs != "" {
		state.Variables[step.SaveAs] = msg.Text
	}
	state.AwaitingReplySince = nil
	state.ExpiresAt = nil

	var next *entity.Step
	if target := step.BranchTarget(msg.Text); target != "" {
		next, ok = rule.StepByID(target)
		if !ok {
			e.log.Warn("branch target missing from workflow",
				slog.String("rule_id", rule.ID),
				slog.String("next_step_id", target),
				sl.Err(ErrConfiguration),
			)
			return e.complete(ctx, conv, entity.OutcomeCompleted)
		}
	} else {
		next, ok = rule.NextAfter(step)
		if !ok {
			return e.complete(ctx, conv, entity.OutcomeCompleted)
		}
	}

	return e.runFrom(ctx, conv, rule, next)
}

// runFrom executes steps starting at the given one until the workflow waits,
// defers, or ends.
func (e *Engine) runFrom(ctx context.Context, conv *entity.Conversation, rule *entity.AutomationRule, step *entity.Step) error {
	state := conv.Automation

	for {
		state.CurrentStepID = step.ID

		if err := e.deliverStep(ctx, conv, state, step); err != nil {
			// Send failures end the instance rather than retrying forever;
			// the provider client already retried with backoff.
			e.log.Error("step delivery failed, completing workflow",
				slog.String("conversation_id", conv.ID),
				slog.String("step_id", step.ID),
				sl.Err(err),
			)
			return e.complete(ctx, conv, entity.OutcomeCompleted)
		}

		if step.WaitForResponse {
			now := e.now()
			expires := now.Add(rule.Timeout())
			state.AwaitingReplySince = &now
			state.ExpiresAt = &expires
			if err := e.store.SetAutomationState(ctx, conv.ID, state); err != nil {
				return fmt.Errorf("saving waiting state: %w", err)
			}
			e.scheduleTimeout(conv, expires)
			return nil
		}

		next, ok := rule.NextAfter(step)
		if !ok {
			return e.complete(ctx, conv, entity.OutcomeCompleted)
		}

		if delay := step.Delay(); delay > 0 {
			resumeAt := e.now().Add(delay)
			state.CurrentStepID = next.ID
			state.AwaitingReplySince = nil
			state.ExpiresAt = &resumeAt
			if err := e.store.SetAutomationState(ctx, conv.ID, state); err != nil {
				return fmt.Errorf("saving delayed state: %w", err)
			}
			e.scheduleDelay(conv, resumeAt)
			return nil
		}

		state.AwaitingReplySince = nil
		state.ExpiresAt = nil
		if err := e.store.SetAutomationState(ctx, conv.ID, state); err != nil {
			return fmt.Errorf("saving automation state: %w", err)
		}
		step = next
	}
}

// deliverStep sends the step content and records the outbound message. The
// step kinds are a closed set; anything else is a configuration error.
func (e *Engine) deliverStep(ctx context.Context, conv *entity.Conversation, state *entity.AutomationState, step *entity.Step) error {
	text := interpolate(step.Text, state.Variables)

	var providerID string
	var err error
	switch step.Kind {
	case entity.StepText:
		providerID, err = e.sender.SendText(ctx, conv.EndpointID, conv.Counterparty, text)
	case entity.StepButtons:
		providerID, err = e.sender.SendButtons(ctx, conv.EndpointID, conv.Counterparty, text, step.Buttons)
	case entity.StepList:
		providerID, err = e.sender.SendList(ctx, conv.EndpointID, conv.Counterparty, text, step.ListItems)
	default:
		return fmt.Errorf("%w: unknown step kind %q", ErrConfiguration, step.Kind)
	}

	if err != nil {
		if errors.Is(err, vault.ErrDecryptionFailed) {
			e.log.Warn("endpoint credential invalid, aborting send",
				slog.String("endpoint_id", string(conv.EndpointID)),
			)
		}
		// Record the failed attempt so the operator sees the gap in the thread.
		if _, appendErr := e.store.AppendOutbound(ctx, conv, chat.Envelope{
			Type:   step.Kind,
			Text:   text,
			Status: entity.MessageStatusFailed,
		}); appendErr != nil {
			e.log.Error("recording failed step", sl.Err(appendErr))
		}
		return err
	}

	_, err = e.store.AppendOutbound(ctx, conv, chat.Envelope{
		ProviderMessageID: providerID,
		Type:              step.Kind,
		Text:              text,
		Status:            entity.MessageStatusSent,
	})
	if err != nil {
		return fmt.Errorf("recording outbound step: %w", err)
	}
	return nil
}

// complete ends the instance, persisting captured variables before the
// transient state is cleared.
func (e *Engine) complete(ctx context.Context, conv *entity.Conversation, outcome string) error {
	e.timers.Cancel(conv.ID)

	state := conv.Automation
	if state == nil {
		return nil
	}

	result := &entity.AutomationResult{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		AccountID:      conv.AccountID,
		RuleID:         state.RuleID,
		Variables:      state.Variables,
		Outcome:        outcome,
		FinishedAt:     e.now(),
	}
	if err := e.store.SaveAutomationResult(ctx, result); err != nil {
		e.log.Error("saving automation result", sl.Err(err))
	}

	conv.Automation = nil
	if err := e.store.ClearAutomationState(ctx, conv.ID); err != nil {
		return fmt.Errorf("clearing automation state: %w", err)
	}

	e.log.Info("workflow finished",
		slog.String("conversation_id", conv.ID),
		slog.String("rule_id", state.RuleID),
		slog.String("outcome", outcome),
	)
	return nil
}

// CancelAutomation clears any running workflow and its timer. Used when a
// conversation is closed or its endpoint deactivated. Caller holds the key.
func (e *Engine) CancelAutomation(ctx context.Context, conv *entity.Conversation) error {
	e.timers.Cancel(conv.ID)
	if conv.Automation == nil {
		return nil
	}
	conv.Automation = nil
	return e.store.ClearAutomationState(ctx, conv.ID)
}

// Rearm restores timers for every conversation persisted mid-workflow, so a
// restart does not silently cancel pending timeouts. Deadlines already in the
// past fire immediately.
func (e *Engine) Rearm(ctx context.Context) error {
	conversations, err := e.store.ListAutomationConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing automation conversations: %w", err)
	}

	armed := 0
	for i := range conversations {
		conv := conversations[i]
		state := conv.Automation
		if state == nil || state.ExpiresAt == nil {
			continue
		}
		if state.AwaitingReplySince != nil {
			e.scheduleTimeout(&conv, *state.ExpiresAt)
		} else {
			e.scheduleDelay(&conv, *state.ExpiresAt)
		}
		armed++
	}

	if armed > 0 {
		e.log.Info("re-armed automation timers", slog.Int("count", armed))
	}
	return nil
}

// Stop cancels all pending timers.
func (e *Engine) Stop() {
	e.timers.Stop()
}

func (e *Engine) scheduleTimeout(conv *entity.Conversation, at time.Time) {
	key := chat.Key(conv.EndpointID, conv.Counterparty)
	id := conv.ID
	e.timers.Schedule(id, at, func() {
		e.fireTimeout(id, key)
	})
}

func (e *Engine) scheduleDelay(conv *entity.Conversation, at time.Time) {
	key := chat.Key(conv.EndpointID, conv.Counterparty)
	id := conv.ID
	e.timers.Schedule(id, at, func() {
		e.fireDelay(id, key)
	})
}

// fireTimeout runs when a waiting workflow's deadline passes with no reply.
// The state is re-checked under the conversation key: if a reply got there
// first, the workflow already moved on and this is a no-op.
func (e *Engine) fireTimeout(conversationID, key string) {
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	ctx := context.Background()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.log.Error("loading conversation for timeout", sl.Err(err))
		return
	}
	if conv == nil || !conv.IsAwaitingReply() {
		return
	}
	state := conv.Automation
	if state.ExpiresAt == nil || e.now().Before(*state.ExpiresAt) {
		// The deadline moved; a newer timer owns it.
		return
	}

	e.log.Info("workflow wait timed out",
		slog.String("conversation_id", conv.ID),
		slog.String("rule_id", state.RuleID),
	)

	rule, err := e.rules.FindRule(ctx, state.RuleID)
	if err != nil {
		e.log.Error("loading rule for timeout", sl.Err(err))
	}
	if rule != nil && rule.TimeoutText != "" {
		fallback := &entity.Step{
			ID:   state.CurrentStepID + ":timeout",
			Kind: entity.StepText,
			Text: rule.TimeoutText,
		}
		if err := e.deliverStep(ctx, conv, state, fallback); err != nil {
			e.log.Error("sending timeout fallback", sl.Err(err))
		}
	}

	if err := e.complete(ctx, conv, entity.OutcomeTimedOut); err != nil {
		e.log.Error("completing timed out workflow", sl.Err(err))
	}
}

// fireDelay continues a workflow after a step's configured delay.
func (e *Engine) fireDelay(conversationID, key string) {
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	ctx := context.Background()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		e.log.Error("loading conversation for delayed step", sl.Err(err))
		return
	}
	if conv == nil || conv.Automation == nil || conv.IsAwaitingReply() {
		return
	}
	state := conv.Automation

	rule, err := e.rules.FindRule(ctx, state.RuleID)
	if err != nil {
		e.log.Error("loading rule for delayed step", sl.Err(err))
		return
	}
	if rule == nil {
		if err := e.complete(ctx, conv, entity.OutcomeCompleted); err != nil {
			e.log.Error("completing orphaned workflow", sl.Err(err))
		}
		return
	}

	step, ok := rule.StepByID(state.CurrentStepID)
	if !ok {
		e.log.Warn("delayed step missing from workflow",
			slog.String("rule_id", rule.ID),
			slog.String("step_id", state.CurrentStepID),
			sl.Err(ErrConfiguration),
		)
		if err := e.complete(ctx, conv, entity.OutcomeCompleted); err != nil {
			e.log.Error("completing broken workflow", sl.Err(err))
		}
		return
	}

	state.ExpiresAt = nil
	if err := e.runFrom(ctx, conv, rule, step); err != nil {
		e.log.Error("resuming delayed workflow", sl.Err(err))
	}
}

// interpolate substitutes {name} tokens with captured variables.
func interpolate(text string, variables map[string]string) string {
	if len(variables) == 0 || !strings.Contains(text, "{") {
		return text
	}
	pairs := make([]string, 0, len(variables)*2)
	for name, value := range variables {
		pairs = append(pairs, "{"+name+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
