package entity

import (
	"strings"
	"time"
)

const (
	MatchExact      = "exact"
	MatchContains   = "contains"
	MatchStartsWith = "starts_with"
)

const (
	StepText    = "text"
	StepButtons = "buttons"
	StepList    = "list"
)

// Misconfigured delays and timeouts are clamped to these bounds, not rejected.
const (
	MaxStepDelaySeconds = 30
	MinTimeoutMinutes   = 1
	MaxTimeoutMinutes   = 24 * 60
)

// Button is an interactive reply option. NextStepID, when set, overrides the
// linear successor for replies that pick this button.
type Button struct {
	ID         string `json:"id" bson:"id" validate:"required"`
	Title      string `json:"title" bson:"title" validate:"required"`
	NextStepID string `json:"next_step_id,omitempty" bson:"next_step_id,omitempty"`
}

type ListItem struct {
	ID         string `json:"id" bson:"id" validate:"required"`
	Title      string `json:"title" bson:"title" validate:"required"`
	NextStepID string `json:"next_step_id,omitempty" bson:"next_step_id,omitempty"`
}

// Step is one node of a scripted reply workflow. Kind is a closed set; the
// engine handles every variant exhaustively. NextStepID, when set, names the
// step's explicit successor; without it a branch arm is terminal and every
// other step continues to the next array element.
type Step struct {
	ID              string     `json:"id" bson:"id" validate:"required"`
	Kind            string     `json:"kind" bson:"kind" validate:"required,oneof=text buttons list"`
	Text            string     `json:"text" bson:"text" validate:"required"`
	Buttons         []Button   `json:"buttons,omitempty" bson:"buttons,omitempty" validate:"omitempty,max=3,dive"`
	ListItems       []ListItem `json:"list_items,omitempty" bson:"list_items,omitempty" validate:"omitempty,max=10,dive"`
	DelaySeconds    int        `json:"delay_seconds" bson:"delay_seconds"`
	WaitForResponse bool       `json:"wait_for_response" bson:"wait_for_response"`
	SaveAs          string     `json:"save_as,omitempty" bson:"save_as,omitempty"`
	NextStepID      string     `json:"next_step_id,omitempty" bson:"next_step_id,omitempty"`
}

// AutomationRule triggers a workflow when an inbound message matches one of
// its keywords. EndpointID is optional; an empty value means the rule applies
// to every endpoint of the account. Rules are evaluated in declaration order,
// first match wins.
type AutomationRule struct {
	ID             string           `json:"id" bson:"_id"`
	AccountID      AccountID        `json:"account_id" bson:"account_id" validate:"required"`
	EndpointID     EndpointID       `json:"endpoint_id,omitempty" bson:"endpoint_id,omitempty"`
	Name           string           `json:"name" bson:"name"`
	Keywords       []string         `json:"keywords" bson:"keywords" validate:"required,min=1,dive,required"`
	MatchType      string           `json:"match_type" bson:"match_type" validate:"required,oneof=exact contains starts_with"`
	Workflow       []Step           `json:"workflow" bson:"workflow" validate:"required,min=1,dive"`
	TimeoutMinutes int              `json:"timeout_minutes" bson:"timeout_minutes"`
	TimeoutText    string           `json:"timeout_text,omitempty" bson:"timeout_text,omitempty"`
	IsActive       bool             `json:"is_active" bson:"is_active"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
}

// Matches applies the rule's match type to the message text, case-insensitive.
func (r *AutomationRule) Matches(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}
	for _, kw := range r.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		switch r.MatchType {
		case MatchExact:
			if text == kw {
				return true
			}
		case MatchContains:
			if strings.Contains(text, kw) {
				return true
			}
		case MatchStartsWith:
			if strings.HasPrefix(text, kw) {
				return true
			}
		}
	}
	return false
}

// StepByID returns the workflow step with the given id.
func (r *AutomationRule) StepByID(id string) (*Step, bool) {
	for i := range r.Workflow {
		if r.Workflow[i].ID == id {
			return &r.Workflow[i], true
		}
	}
	return nil, false
}

// SuccessorOf returns the step that linearly follows the given one. A missing
// successor means the workflow ends after that step.
func (r *AutomationRule) SuccessorOf(id string) (*Step, bool) {
	for i := range r.Workflow {
		if r.Workflow[i].ID == id && i+1 < len(r.Workflow) {
			return &r.Workflow[i+1], true
		}
	}
	return nil, false
}

// IsBranchTarget reports whether any button or list item of the workflow
// jumps to the step.
func (r *AutomationRule) IsBranchTarget(id string) bool {
	for i := range r.Workflow {
		for _, b := range r.Workflow[i].Buttons {
			if b.NextStepID == id {
				return true
			}
		}
		for _, it := range r.Workflow[i].ListItems {
			if it.NextStepID == id {
				return true
			}
		}
	}
	return false
}

// NextAfter resolves the step that follows the given one in control flow. An
// explicit NextStepID wins; a branch arm without one ends the workflow, so
// array order never bleeds one arm into the other; any other step continues
// linearly.
func (r *AutomationRule) NextAfter(step *Step) (*Step, bool) {
	if step.NextStepID != "" {
		return r.StepByID(step.NextStepID)
	}
	if r.IsBranchTarget(step.ID) {
		return nil, false
	}
	return r.SuccessorOf(step.ID)
}

// Timeout returns the wait-for-reply timeout clamped to sane bounds.
func (r *AutomationRule) Timeout() time.Duration {
	m := r.TimeoutMinutes
	if m < MinTimeoutMinutes {
		m = MinTimeoutMinutes
	}
	if m > MaxTimeoutMinutes {
		m = MaxTimeoutMinutes
	}
	return time.Duration(m) * time.Minute
}

// Delay returns the step's post-send delay clamped to sane bounds.
func (s *Step) Delay() time.Duration {
	d := s.DelaySeconds
	if d < 0 {
		d = 0
	}
	if d > MaxStepDelaySeconds {
		d = MaxStepDelaySeconds
	}
	return time.Duration(d) * time.Second
}

// BranchTarget resolves a counterparty reply against the step's buttons and
// list items, matching by id or title. It returns the configured jump target,
// or "" when the reply should follow the linear successor.
func (s *Step) BranchTarget(reply string) string {
	reply = strings.ToLower(strings.TrimSpace(reply))
	for _, b := range s.Buttons {
		if reply == strings.ToLower(b.ID) || reply == strings.ToLower(strings.TrimSpace(b.Title)) {
			return b.NextStepID
		}
	}
	for _, it := range s.ListItems {
		if reply == strings.ToLower(it.ID) || reply == strings.ToLower(strings.TrimSpace(it.Title)) {
			return it.NextStepID
		}
	}
	return ""
}
