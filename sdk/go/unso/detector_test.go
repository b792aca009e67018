package unso

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func temp(c float64) *float64 { return &c }

func inTransit(refrigerated bool) Snapshot {
	s := Snapshot{Status: StatusInTransit, Compliance: ComplianceNotApplicable, ReeferOperational: true}
	if refrigerated {
		s.Compliance = ComplianceClean
	}
	return s
}

func kinds(rs []Report) []Kind {
	out := make([]Kind, len(rs))
	for i, r := range rs {
		out[i] = r.Kind
	}
	return out
}

func TestDetectorStationaryAfterThreshold(t *testing.T) {
	d := NewDetector(DetectorConfig{StationaryAfter: 10 * time.Second})
	d.Rearm(inTransit(false))

	if rs := d.Observe(Sample{At: t0, Speed: 0}); len(rs) != 0 {
		t.Fatalf("reported at first stop: %v", kinds(rs))
	}
	if rs := d.Observe(Sample{At: t0.Add(9 * time.Second), Speed: 0.2}); len(rs) != 0 {
		t.Fatalf("reported before threshold: %v", kinds(rs))
	}
	rs := d.Observe(Sample{At: t0.Add(10 * time.Second), Speed: 0, Coordinates: &Coordinates{Lat: 1, Lon: 2}})
	if len(rs) != 1 || rs[0].Kind != KindStationaryDetected {
		t.Fatalf("want stationary-detected, got %v", kinds(rs))
	}
	if rs[0].Coordinates == nil || rs[0].Coordinates.Lat != 1 {
		t.Errorf("coordinates not attached")
	}
	if rs := d.Observe(Sample{At: t0.Add(20 * time.Second), Speed: 0}); len(rs) != 0 {
		t.Errorf("stationary reported twice: %v", kinds(rs))
	}
	rs = d.Observe(Sample{At: t0.Add(21 * time.Second), Speed: 12})
	if len(rs) != 1 || rs[0].Kind != KindMovingResumed {
		t.Fatalf("want moving-resumed, got %v", kinds(rs))
	}
}

func TestDetectorIgnoresStopsOutsideTransit(t *testing.T) {
	d := NewDetector(DetectorConfig{StationaryAfter: time.Second})
	d.Rearm(Snapshot{Status: StatusAtStop})
	for i := range 5 {
		if rs := d.Observe(Sample{At: t0.Add(time.Duration(i) * time.Second)}); len(rs) != 0 {
			t.Fatalf("reported at a scheduled stop: %v", kinds(rs))
		}
	}
}

func TestDetectorTemperatureTransitions(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	d.Rearm(inTransit(true))

	samples := []struct {
		c    float64
		want []Kind
	}{
		{5, nil},
		{9.5, []Kind{KindExcursionStart}},
		{11, nil},
		{7, []Kind{KindExcursionEnd}},
		{1, []Kind{KindExcursionStart}},
	}
	for i, s := range samples {
		rs := d.Observe(Sample{At: t0.Add(time.Duration(i) * time.Second), Speed: 10, Temperature: temp(s.c)})
		got := kinds(rs)
		if len(got) != len(s.want) || (len(got) > 0 && got[0] != s.want[0]) {
			t.Errorf("sample %d (%.1f°C): got %v, want %v", i, s.c, got, s.want)
		}
	}
}

func TestDetectorTemperatureNeedsRefrigeratedJob(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	d.Rearm(inTransit(false))
	if rs := d.Observe(Sample{At: t0, Speed: 10, Temperature: temp(30)}); len(rs) != 0 {
		t.Errorf("excursion reported for a dry job: %v", kinds(rs))
	}
}

func TestDetectorImpactSuppression(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	d.Rearm(inTransit(false))

	rs := d.Observe(Sample{At: t0, Speed: 10, ImpactG: 4.5})
	if len(rs) != 1 || rs[0].Cause != CauseCollisionModerate || rs[0].Estimate != 22 {
		t.Fatalf("unexpected impact report: %+v", rs)
	}
	if rs := d.Observe(Sample{At: t0.Add(time.Second), Speed: 10, ImpactG: 4.2}); len(rs) != 0 {
		t.Errorf("duplicate impact not suppressed: %+v", rs)
	}
	if rs := d.Observe(Sample{At: t0.Add(2 * time.Second), Speed: 10, ImpactG: 7}); len(rs) != 1 || rs[0].Cause != CauseCollisionMajor {
		t.Errorf("different cause suppressed: %+v", rs)
	}
	if rs := d.Observe(Sample{At: t0.Add(3 * time.Second), Speed: 10, ImpactG: 4.1}); len(rs) != 1 {
		t.Errorf("impact after window suppressed: %+v", rs)
	}
	if rs := d.Observe(Sample{At: t0.Add(4 * time.Second), Speed: 10, ImpactG: 1}); len(rs) != 0 {
		t.Errorf("sub-threshold impact reported: %+v", rs)
	}
}

func TestDetectorRearmFromSnapshot(t *testing.T) {
	d := NewDetector(DetectorConfig{StationaryAfter: 5 * time.Second})

	// After a reconnect the authority already knows the truck is stopped
	// and the reefer has failed; neither is reported again.
	snap := inTransit(true)
	snap.Stationary = true
	snap.ReeferOperational = false
	snap.Compliance = ComplianceMinor
	d.Rearm(snap)

	if rs := d.Observe(Sample{At: t0, Speed: 0, Temperature: temp(12)}); len(rs) != 0 {
		t.Fatalf("known conditions reported again: %v", kinds(rs))
	}
	rs := d.Observe(Sample{At: t0.Add(time.Second), Speed: 8, Temperature: temp(4)})
	if got := kinds(rs); len(got) != 2 || got[0] != KindMovingResumed || got[1] != KindExcursionEnd {
		t.Fatalf("want moving-resumed then excursion-end, got %v", got)
	}
}

func TestDetectorDropsOutOfOrderSamples(t *testing.T) {
	d := NewDetector(DetectorConfig{})
	d.Rearm(inTransit(false))
	d.Observe(Sample{At: t0.Add(time.Minute), Speed: 10})
	if rs := d.Observe(Sample{At: t0, Speed: 10, ImpactG: 9}); len(rs) != 0 {
		t.Errorf("stale sample produced reports: %v", kinds(rs))
	}
}
