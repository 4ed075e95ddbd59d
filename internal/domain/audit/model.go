package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action names recorded in a treatment's history.
const (
	ActionTreatmentCreated  = "treatment_created"
	ActionStageCompleted    = "stage_completed"
	ActionMessageRegistered = "message_registered"
	ActionPhotoRequested    = "photo_requested"
	ActionSurveySent        = "survey_sent"
	ActionSurveyResponded   = "survey_responded"
)

// Entry is one line of a treatment's history.
type Entry struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	TreatmentID uuid.UUID         `db:"treatment_id" json:"treatment_id"`
	Action      string            `db:"action" json:"action"`
	Description string            `db:"description" json:"description"`
	Metadata    map[string]string `db:"metadata" json:"metadata,omitempty"`
	Timestamp   time.Time         `db:"created_at" json:"timestamp"`
}
