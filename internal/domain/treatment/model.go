package treatment

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/domain/protocol"
)

// Treatment is one patient going through one procedure's follow-up
// protocol. The stages are a snapshot of the procedure taken at creation.
//
// Version increases by one on every persisted change and guards concurrent
// writers.
type Treatment struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patient_id"`
	ProcedureID   uuid.UUID `db:"procedure_id" json:"procedure_id"`
	ProcedureName string    `db:"procedure_name" json:"procedure_name"`

	protocol.Run

	StartedAt time.Time `db:"started_at" json:"started_at"`
	// ReferenceAt is the date every stage's due date is resolved against.
	ReferenceAt time.Time `db:"reference_at" json:"reference_at"`
	Version     int       `db:"version" json:"version"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// CreateRequest starts a treatment. StartedAt defaults to the server clock.
type CreateRequest struct {
	PatientID   uuid.UUID  `json:"patient_id"`
	ProcedureID uuid.UUID  `json:"procedure_id"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}
