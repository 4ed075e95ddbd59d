package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service fills in entry ids and timestamps and forwards to the repository.
// It satisfies both Sink and Reader.
type Service struct {
	entries AuditRepository
	now     func() time.Time
}

func NewService(entries AuditRepository) *Service {
	return &Service{entries: entries, now: time.Now}
}

func (s *Service) Append(ctx context.Context, e *Entry) error {
	if e.TreatmentID == uuid.Nil {
		return fmt.Errorf("treatment_id is required")
	}
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	return s.entries.Append(ctx, e)
}

func (s *Service) DeleteByTreatment(ctx context.Context, treatmentID uuid.UUID) error {
	return s.entries.DeleteByTreatment(ctx, treatmentID)
}

func (s *Service) ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Entry, error) {
	return s.entries.ListByTreatment(ctx, treatmentID)
}
