package protocol

import "errors"

var (
	ErrInvalidTimingRule        = errors.New("invalid timing rule")
	ErrInvalidStage             = errors.New("invalid stage")
	ErrStageGateNotSatisfied    = errors.New("stage requirements not satisfied")
	ErrStageNotActive           = errors.New("stage is not the active stage")
	ErrUnknownStage             = errors.New("unknown stage")
	ErrUnknownAction            = errors.New("unknown checklist action")
	ErrMessageNotSent           = errors.New("message has not been registered as sent")
	ErrResponseContentRequired  = errors.New("response content is required when the patient responded")
	ErrPhotoNotRequired         = errors.New("stage does not request photos")
	ErrInvalidPhotoStatus       = errors.New("invalid photo status")
	ErrSurveyNotAvailable       = errors.New("survey is not available")
	ErrInvalidSurveyTransition  = errors.New("invalid survey transition")
	ErrTreatmentAlreadyComplete = errors.New("treatment is already completed")
)
