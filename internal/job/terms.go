package job

import (
	"fmt"
	"time"

	"github.com/ashita-ai/unso/internal/model"
)

// Default thresholds applied when a job is accepted.
const (
	DefaultDeliveryWindow     = 30 * time.Minute
	DefaultTransferWindow     = 60 * time.Second
	DefaultExcursionThreshold = 15 * time.Second
	DefaultStationaryLimit    = 10 * time.Minute
	DefaultDamageCooldown     = 3 * time.Second
	DefaultRestCooldown       = 5 * time.Minute
	DefaultRestRestore        = 5
	DefaultRejectionThreshold = 40

	MaxStops       = 16
	MaxIntegrity   = 100
	startIntegrity = MaxIntegrity
)

// DefaultTerms returns terms with every threshold at its default and a
// standard, unrefrigerated, single-leg cargo.
func DefaultTerms() model.JobTerms {
	return model.JobTerms{
		Cargo:              model.CargoStandard,
		DeliveryWindow:     DefaultDeliveryWindow,
		TransferWindow:     DefaultTransferWindow,
		ExcursionThreshold: DefaultExcursionThreshold,
		StationaryLimit:    DefaultStationaryLimit,
		DamageCooldown:     DefaultDamageCooldown,
		RestCooldown:       DefaultRestCooldown,
		RestRestore:        DefaultRestRestore,
		RejectionThreshold: DefaultRejectionThreshold,
	}
}

// ValidateTerms checks that terms are usable for a new job.
func ValidateTerms(t model.JobTerms) error {
	if !t.Cargo.Valid() {
		return fmt.Errorf("%w: unknown cargo profile %q", ErrInvalidTerms, t.Cargo)
	}
	if t.StopCount < 0 || t.StopCount > MaxStops {
		return fmt.Errorf("%w: stop_count must be between 0 and %d", ErrInvalidTerms, MaxStops)
	}
	if t.DeliveryWindow <= 0 {
		return fmt.Errorf("%w: delivery window must be positive", ErrInvalidTerms)
	}
	for name, d := range map[string]time.Duration{
		"transfer window":     t.TransferWindow,
		"excursion threshold": t.ExcursionThreshold,
		"stationary limit":    t.StationaryLimit,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidTerms, name)
		}
	}
	if t.DamageCooldown < 0 || t.RestCooldown < 0 {
		return fmt.Errorf("%w: cooldowns must not be negative", ErrInvalidTerms)
	}
	if t.RejectionThreshold < 0 || t.RejectionThreshold > MaxIntegrity {
		return fmt.Errorf("%w: rejection threshold must be between 0 and %d", ErrInvalidTerms, MaxIntegrity)
	}
	return nil
}
