package procedure

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicflow/followup/internal/domain/protocol"
)

var ErrNotFound = errors.New("procedure not found")

// Procedure is a follow-up protocol template. Treatments snapshot its stages
// when they are created, so editing a procedure never changes in-flight
// treatments.
type Procedure struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	Name        string                 `db:"name" json:"name"`
	Description string                 `db:"description" json:"description"`
	Scripts     []protocol.ScriptStage `db:"scripts" json:"scripts"`
	HasSurvey   bool                   `db:"has_survey" json:"has_survey"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time              `db:"updated_at" json:"updated_at"`
}

// Normalize trims text fields and renumbers stages, then validates.
func (p *Procedure) Normalize() error {
	p.Name = strings.TrimSpace(p.Name)
	p.Description = strings.TrimSpace(p.Description)
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	p.Scripts = protocol.NormalizeStages(p.Scripts)
	return protocol.ValidateStages(p.Scripts)
}
