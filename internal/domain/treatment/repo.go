package treatment

import (
	"context"

	"github.com/google/uuid"
)

// TreatmentRepository persists treatments. The Update* methods write only
// their own columns, and only when the stored version equals t.Version; on
// success t.Version is incremented. A stale version yields
// ErrVersionConflict, a missing row ErrNotFound.
type TreatmentRepository interface {
	// Create fails with ErrDuplicateActiveTreatment when the patient already
	// has an active treatment for the procedure.
	Create(ctx context.Context, t *Treatment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error)
	// ListByPatient returns the patient's treatments, newest first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Treatment, error)
	// FindActive returns ErrNotFound when there is no active treatment.
	FindActive(ctx context.Context, patientID, procedureID uuid.UUID) (*Treatment, error)
	ListActive(ctx context.Context) ([]*Treatment, error)

	UpdateStageData(ctx context.Context, t *Treatment) error
	UpdateProgress(ctx context.Context, t *Treatment) error
	UpdateSurvey(ctx context.Context, t *Treatment) error

	Delete(ctx context.Context, id uuid.UUID) error
}
