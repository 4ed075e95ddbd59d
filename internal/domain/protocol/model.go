package protocol

import (
	"fmt"
	"strings"
	"time"
)

// ActionType classifies a stage action.
type ActionType string

const (
	ActionChecklist    ActionType = "checklist"
	ActionMessage      ActionType = "message"
	ActionPhotoRequest ActionType = "photo_request"
)

var validActionTypes = map[ActionType]bool{
	ActionChecklist:    true,
	ActionMessage:      true,
	ActionPhotoRequest: true,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	return validActionTypes[t]
}

// Action is a single step an operator performs inside a stage.
type Action struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Type        ActionType `json:"type"`
}

// CountsForChecklist reports whether the action must be checked before the
// stage's checklist is complete.
func (a Action) CountsForChecklist() bool {
	return a.Type != ActionMessage && a.Type != ActionPhotoRequest
}

// ScriptStage is one scripted check-in of a procedure's follow-up protocol.
// Stages are immutable once snapshotted into a treatment.
type ScriptStage struct {
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Actions      []Action   `json:"actions"`
	Timing       TimingRule `json:"timing"`
	RequestMedia bool       `json:"request_media"`
}

// Action returns the action with the given id.
func (s ScriptStage) Action(id string) (Action, bool) {
	for _, a := range s.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// StageKey is the key of a stage inside a treatment's stage data map.
func StageKey(number int) string {
	return fmt.Sprintf("stage_%d", number)
}

// ResponseStatus is the patient contact outcome of a stage.
//
//	not_asked          message not registered yet
//	awaiting_decision  message sent, outcome not recorded
//	responded          patient answered (content required)
//	not_responded      operator recorded that the patient did not answer
type ResponseStatus string

const (
	ResponseNotAsked         ResponseStatus = "not_asked"
	ResponseAwaitingDecision ResponseStatus = "awaiting_decision"
	ResponseResponded        ResponseStatus = "responded"
	ResponseNotResponded     ResponseStatus = "not_responded"
)

// PhotoStatus is the state of a stage's photo request.
type PhotoStatus string

const (
	PhotoPending  PhotoStatus = "pending"
	PhotoReceived PhotoStatus = "received"
	PhotoRefused  PhotoStatus = "refused"
)

// ContactState tracks the manual message and the patient's answer.
type ContactState struct {
	MessageSentAt      *time.Time     `json:"message_sent_at,omitempty"`
	Response           ResponseStatus `json:"response"`
	MessageRespondedAt *time.Time     `json:"message_responded_at,omitempty"`
	ResponseContent    string         `json:"response_content,omitempty"`
}

// PhotoState tracks the photo request of a stage.
type PhotoState struct {
	RequestSentAt *time.Time  `json:"photo_request_sent_at,omitempty"`
	Status        PhotoStatus `json:"photo_status,omitempty"`
	ReceivedAt    *time.Time  `json:"photo_received_at,omitempty"`
	URL           string      `json:"photo_url,omitempty"`
}

// StageData is the mutable per-stage state of a treatment.
type StageData struct {
	Checklist map[string]bool `json:"checklist"`
	Contact   ContactState    `json:"contact"`
	Photo     PhotoState      `json:"photo"`
}

// NewStageData returns empty stage data.
func NewStageData() *StageData {
	return &StageData{
		Checklist: map[string]bool{},
		Contact:   ContactState{Response: ResponseNotAsked},
	}
}

// Clone returns a deep copy.
func (d *StageData) Clone() *StageData {
	if d == nil {
		return NewStageData()
	}
	out := *d
	out.Checklist = make(map[string]bool, len(d.Checklist))
	for k, v := range d.Checklist {
		out.Checklist[k] = v
	}
	out.Contact.MessageSentAt = cloneTime(d.Contact.MessageSentAt)
	out.Contact.MessageRespondedAt = cloneTime(d.Contact.MessageRespondedAt)
	out.Photo.RequestSentAt = cloneTime(d.Photo.RequestSentAt)
	out.Photo.ReceivedAt = cloneTime(d.Photo.ReceivedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizeStages trims text fields, defaults empty action types to
// checklist and renumbers the stages 1..N in order. The input is not
// modified.
func NormalizeStages(stages []ScriptStage) []ScriptStage {
	out := make([]ScriptStage, len(stages))
	for i, st := range stages {
		st.Number = i + 1
		st.Title = strings.TrimSpace(st.Title)
		actions := make([]Action, len(st.Actions))
		for j, a := range st.Actions {
			a.ID = strings.TrimSpace(a.ID)
			a.Description = strings.TrimSpace(a.Description)
			if a.Type == "" {
				a.Type = ActionChecklist
			}
			actions[j] = a
		}
		st.Actions = actions
		out[i] = st
	}
	return out
}

// ValidateStages checks a stage list before it is saved as a template: at
// least one stage, titled stages, unique non-empty action ids per stage,
// known action types and valid timing rules.
func ValidateStages(stages []ScriptStage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidStage)
	}
	for i, st := range stages {
		n := i + 1
		if strings.TrimSpace(st.Title) == "" {
			return fmt.Errorf("%w: stage %d: title is required", ErrInvalidStage, n)
		}
		seen := map[string]bool{}
		for _, a := range st.Actions {
			if a.ID == "" {
				return fmt.Errorf("%w: stage %d: action id is required", ErrInvalidStage, n)
			}
			if seen[a.ID] {
				return fmt.Errorf("%w: stage %d: duplicate action id %q", ErrInvalidStage, n, a.ID)
			}
			seen[a.ID] = true
			if !a.Type.Valid() {
				return fmt.Errorf("%w: stage %d: action %q has unknown type %q", ErrInvalidStage, n, a.ID, a.Type)
			}
		}
		if err := ValidateTimingRule(st.Timing); err != nil {
			return fmt.Errorf("stage %d: %w", n, err)
		}
	}
	return nil
}
