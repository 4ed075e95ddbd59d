package audit

import (
	"context"

	"github.com/google/uuid"
)

// Sink receives history entries. Append joins the transaction carried by
// ctx so that an entry commits with the change it describes.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
	DeleteByTreatment(ctx context.Context, treatmentID uuid.UUID) error
}

// Reader lists a treatment's history, oldest first.
type Reader interface {
	ListByTreatment(ctx context.Context, treatmentID uuid.UUID) ([]*Entry, error)
}

type AuditRepository interface {
	Sink
	Reader
}
