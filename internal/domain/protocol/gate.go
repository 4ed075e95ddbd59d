package protocol

import (
	"fmt"
	"strings"
	"time"
)

// RequiresPhoto reports whether the stage asks the patient for photos.
func RequiresPhoto(stage ScriptStage) bool {
	if stage.RequestMedia {
		return true
	}
	for _, a := range stage.Actions {
		if a.Type == ActionPhotoRequest {
			return true
		}
	}
	return false
}

// IsChecklistComplete reports whether every checklist action is checked.
func IsChecklistComplete(stage ScriptStage, data *StageData) bool {
	for _, a := range stage.Actions {
		if !a.CountsForChecklist() {
			continue
		}
		if data == nil || !data.Checklist[a.ID] {
			return false
		}
	}
	return true
}

// IsPhotoComplete is vacuously true for stages without a photo request.
func IsPhotoComplete(stage ScriptStage, data *StageData) bool {
	if !RequiresPhoto(stage) {
		return true
	}
	if data == nil {
		return false
	}
	return data.Photo.Status == PhotoReceived || data.Photo.Status == PhotoRefused
}

// IsStageComplete is the checklist and photo part of the gate.
func IsStageComplete(stage ScriptStage, data *StageData) bool {
	return IsChecklistComplete(stage, data) && IsPhotoComplete(stage, data)
}

// IsContactResolved reports whether the contact outcome has been recorded.
// A positive response only counts with non-blank content.
func IsContactResolved(data *StageData) bool {
	if data == nil || data.Contact.MessageRespondedAt == nil {
		return false
	}
	switch data.Contact.Response {
	case ResponseNotResponded:
		return true
	case ResponseResponded:
		return strings.TrimSpace(data.Contact.ResponseContent) != ""
	}
	return false
}

// CanAdvance is the full advancement gate.
func CanAdvance(stage ScriptStage, data *StageData) bool {
	return IsStageComplete(stage, data) && IsContactResolved(data)
}

// Gate is a breakdown of the advancement gate for display.
type Gate struct {
	ChecklistComplete bool     `json:"checklist_complete"`
	PhotoRequired     bool     `json:"photo_required"`
	PhotoComplete     bool     `json:"photo_complete"`
	ContactResolved   bool     `json:"contact_resolved"`
	CanAdvance        bool     `json:"can_advance"`
	MissingActions    []string `json:"missing_actions,omitempty"`
}

// GateReport evaluates the gate for a stage.
func GateReport(stage ScriptStage, data *StageData) Gate {
	g := Gate{
		ChecklistComplete: IsChecklistComplete(stage, data),
		PhotoRequired:     RequiresPhoto(stage),
		PhotoComplete:     IsPhotoComplete(stage, data),
		ContactResolved:   IsContactResolved(data),
	}
	g.CanAdvance = g.ChecklistComplete && g.PhotoComplete && g.ContactResolved
	for _, a := range stage.Actions {
		if a.CountsForChecklist() && (data == nil || !data.Checklist[a.ID]) {
			g.MissingActions = append(g.MissingActions, a.ID)
		}
	}
	return g
}

// SetChecklistItem marks a checklist action as checked or unchecked.
func (d *StageData) SetChecklistItem(stage ScriptStage, actionID string, checked bool) error {
	a, ok := stage.Action(actionID)
	if !ok || !a.CountsForChecklist() {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	if d.Checklist == nil {
		d.Checklist = map[string]bool{}
	}
	d.Checklist[actionID] = checked
	return nil
}

// RegisterMessageSent records that the operator sent the stage message. The
// contact moves to awaiting_decision unless an outcome was already recorded.
func (d *StageData) RegisterMessageSent(at time.Time) {
	d.Contact.MessageSentAt = &at
	if d.Contact.Response == "" || d.Contact.Response == ResponseNotAsked {
		d.Contact.Response = ResponseAwaitingDecision
	}
}

// RegisterResponse records the contact outcome.
func (d *StageData) RegisterResponse(responded bool, content string, at time.Time) error {
	if d.Contact.MessageSentAt == nil {
		return ErrMessageNotSent
	}
	content = strings.TrimSpace(content)
	if responded {
		if content == "" {
			return ErrResponseContentRequired
		}
		d.Contact.Response = ResponseResponded
		d.Contact.ResponseContent = content
	} else {
		d.Contact.Response = ResponseNotResponded
		d.Contact.ResponseContent = ""
	}
	d.Contact.MessageRespondedAt = &at
	return nil
}

// RegisterPhotoRequest records that photos were requested from the patient.
func (d *StageData) RegisterPhotoRequest(stage ScriptStage, at time.Time) error {
	if !RequiresPhoto(stage) {
		return ErrPhotoNotRequired
	}
	d.Photo.RequestSentAt = &at
	if d.Photo.Status == "" {
		d.Photo.Status = PhotoPending
	}
	return nil
}

// RegisterPhotoResponse records that photos were received or refused.
func (d *StageData) RegisterPhotoResponse(stage ScriptStage, status PhotoStatus, url string, at time.Time) error {
	if !RequiresPhoto(stage) {
		return ErrPhotoNotRequired
	}
	switch status {
	case PhotoReceived:
		d.Photo.URL = strings.TrimSpace(url)
	case PhotoRefused:
		d.Photo.URL = ""
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPhotoStatus, status)
	}
	d.Photo.Status = status
	d.Photo.ReceivedAt = &at
	return nil
}
