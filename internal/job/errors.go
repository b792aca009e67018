package job

import (
	"errors"

	"github.com/ashita-ai/unso/internal/model"
)

// Rejection errors returned by Decide. None of them mutate the aggregate.
var (
	ErrInvalidTransition = errors.New("job: invalid transition")
	ErrNotOwner          = errors.New("job: agent does not own job")
	ErrTerminal          = errors.New("job: job is terminal")
	ErrCooldown          = errors.New("job: report inside cooldown window")
	ErrDuplicate         = errors.New("job: state already reported")
	ErrStaleTimer        = errors.New("job: timer no longer armed")
)

// ErrInvalidTerms is returned by ValidateTerms.
var ErrInvalidTerms = errors.New("job: invalid terms")

// ReasonFor maps a Decide error to the audit reason recorded for it.
func ReasonFor(err error) model.RejectReason {
	switch {
	case errors.Is(err, ErrNotOwner):
		return model.RejectNotOwner
	case errors.Is(err, ErrTerminal):
		return model.RejectTerminal
	case errors.Is(err, ErrCooldown):
		return model.RejectCooldown
	case errors.Is(err, ErrDuplicate):
		return model.RejectDuplicate
	default:
		return model.RejectInvalidTransition
	}
}
