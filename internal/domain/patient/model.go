package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

// Patient is the minimal patient record the follow-up engine reads: a name
// for message placeholders, a phone for the click-to-chat link and the date
// of the procedure used as SLA reference.
type Patient struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	Phone         string     `db:"phone" json:"phone"`
	ProcedureDate *time.Time `db:"procedure_date" json:"procedure_date,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}
