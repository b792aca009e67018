package unso

import (
	"sync"
	"time"
)

// DetectorConfig tunes the local change detectors. Zero values take the
// defaults noted on each field.
type DetectorConfig struct {
	// StationarySpeed is the speed in m/s at or below which the vehicle
	// counts as stopped. Default 0.5.
	StationarySpeed float64
	// StationaryAfter is how long the vehicle must stay stopped before
	// stationary-detected is reported. Default 30s.
	StationaryAfter time.Duration

	// TempMin and TempMax bound the acceptable cargo temperature in °C for
	// refrigerated jobs. Defaults 2 and 8.
	TempMin float64
	TempMax float64

	// Impact thresholds in g for collision causes. Defaults 2.5, 4, 6.
	ImpactMinor    float64
	ImpactModerate float64
	ImpactMajor    float64

	// DuplicateWindow suppresses a repeat impact of the same cause within
	// the window. Default 3s, matching the authority's damage cooldown.
	DuplicateWindow time.Duration
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	if c.StationarySpeed == 0 {
		c.StationarySpeed = 0.5
	}
	if c.StationaryAfter == 0 {
		c.StationaryAfter = 30 * time.Second
	}
	if c.TempMin == 0 && c.TempMax == 0 {
		c.TempMin, c.TempMax = 2, 8
	}
	if c.ImpactMinor == 0 {
		c.ImpactMinor = 2.5
	}
	if c.ImpactModerate == 0 {
		c.ImpactModerate = 4
	}
	if c.ImpactMajor == 0 {
		c.ImpactMajor = 6
	}
	if c.DuplicateWindow == 0 {
		c.DuplicateWindow = 3 * time.Second
	}
	return c
}

// Sample is one raw sensor reading. Raw samples never leave the agent;
// only the reports Observe derives from them do.
type Sample struct {
	At          time.Time
	Speed       float64  // m/s
	Temperature *float64 // °C; nil when the cargo has no probe
	ImpactG     float64  // peak acceleration since the last sample
	Coordinates *Coordinates
}

// Detector turns samples into state-change reports: motion against a speed
// threshold, cargo temperature against a range, and impacts against
// collision thresholds. Motion and temperature report transitions only;
// repeated impacts of one cause within DuplicateWindow are suppressed. Re-arm it from every snapshot so it agrees with the
// authority after a reconnect. Safe for concurrent use.
type Detector struct {
	cfg DetectorConfig

	mu            sync.Mutex
	status        string
	refrigerated  bool
	stationary    bool
	stoppedSince  time.Time
	excursion     bool
	lastSent      map[string]time.Time
	lastSampledAt time.Time
}

// NewDetector returns a detector with cfg's zero fields defaulted.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{
		cfg:      cfg.withDefaults(),
		lastSent: make(map[string]time.Time),
	}
}

// Rearm aligns local state with the authority's snapshot. A stationary or
// excursion condition the authority already knows about is not reported
// again; one it does not know about will be reported by the next sample.
func (d *Detector) Rearm(s Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s.Status != d.status {
		d.stoppedSince = time.Time{}
	}
	d.status = s.Status
	d.refrigerated = s.Compliance != "" && s.Compliance != ComplianceNotApplicable
	d.stationary = s.Stationary
	d.excursion = d.refrigerated && !s.ReeferOperational
}

// Observe consumes one sample and returns the reports it implies, in the
// order they should be sent.
func (d *Detector) Observe(s Sample) []Report {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.At.After(d.lastSampledAt) && !d.lastSampledAt.IsZero() {
		return nil
	}
	d.lastSampledAt = s.At

	var out []Report
	if r, ok := d.motion(s); ok {
		out = append(out, r)
	}
	if r, ok := d.temperature(s); ok {
		out = append(out, r)
	}
	if r, ok := d.impact(s); ok {
		out = append(out, r)
	}
	return out
}

func (d *Detector) motion(s Sample) (Report, bool) {
	stopped := s.Speed <= d.cfg.StationarySpeed
	switch {
	case !stopped:
		d.stoppedSince = time.Time{}
		if d.stationary {
			d.stationary = false
			return stamp(s, Report{Kind: KindMovingResumed}), true
		}
	case d.stationary || d.status != StatusInTransit:
		// Stops outside transit are expected and not tracked.
	case d.stoppedSince.IsZero():
		d.stoppedSince = s.At
	case s.At.Sub(d.stoppedSince) >= d.cfg.StationaryAfter:
		d.stationary = true
		return stamp(s, Report{Kind: KindStationaryDetected}), true
	}
	return Report{}, false
}

func (d *Detector) temperature(s Sample) (Report, bool) {
	if !d.refrigerated || s.Temperature == nil {
		return Report{}, false
	}
	out := *s.Temperature < d.cfg.TempMin || *s.Temperature > d.cfg.TempMax
	if out == d.excursion {
		return Report{}, false
	}
	d.excursion = out
	if out {
		return stamp(s, Report{Kind: KindExcursionStart}), true
	}
	return stamp(s, Report{Kind: KindExcursionEnd}), true
}

func (d *Detector) impact(s Sample) (Report, bool) {
	var cause string
	switch g := s.ImpactG; {
	case g >= d.cfg.ImpactMajor:
		cause = CauseCollisionMajor
	case g >= d.cfg.ImpactModerate:
		cause = CauseCollisionModerate
	case g >= d.cfg.ImpactMinor:
		cause = CauseCollisionMinor
	default:
		return Report{}, false
	}
	// One physical impact spans several samples; report it once.
	if last, ok := d.lastSent[cause]; ok && s.At.Sub(last) < d.cfg.DuplicateWindow {
		return Report{}, false
	}
	d.lastSent[cause] = s.At
	return stamp(s, Report{Kind: KindIntegrityLoss, Cause: cause, Estimate: int(s.ImpactG * 5)}), true
}

func stamp(s Sample, r Report) Report {
	r.Coordinates = s.Coordinates
	return r
}
