package monitor

import (
	"testing"
	"time"
)

func TestSnapshotComputesPercentiles(t *testing.T) {
	m := New(DefaultConfig(), nil, nil)
	for i := 1; i <= 100; i++ {
		m.Record(StageRecognizer, float64(i))
	}

	snap := m.Snapshot(StageRecognizer)
	if snap.Count != 100 {
		t.Fatalf("expected 100 samples, got %d", snap.Count)
	}
	if snap.Min != 1 || snap.Max != 100 {
		t.Errorf("expected min/max 1/100, got %f/%f", snap.Min, snap.Max)
	}
	if snap.P50 < 49 || snap.P50 > 51 {
		t.Errorf("expected p50 near 50, got %f", snap.P50)
	}
	if snap.P99 < 98 {
		t.Errorf("expected p99 near 99-100, got %f", snap.P99)
	}
}

func TestWindowDropsOldestBeyondCapacity(t *testing.T) {
	cfg := Config{WindowSize: 3, Targets: map[Stage]float64{StageIntent: 100}}
	m := New(cfg, nil, nil)
	m.Record(StageIntent, 10)
	m.Record(StageIntent, 20)
	m.Record(StageIntent, 30)
	m.Record(StageIntent, 40) // drops the 10

	snap := m.Snapshot(StageIntent)
	if snap.Count != 3 {
		t.Fatalf("expected window capped at 3, got %d", snap.Count)
	}
	if snap.Min != 20 {
		t.Errorf("expected oldest sample dropped, min now 20, got %f", snap.Min)
	}
}

func TestDetectBottlenecksFlagsStageOverTarget(t *testing.T) {
	var got []Bottleneck
	cfg := Config{WindowSize: 50, Targets: map[Stage]float64{StageSynth: 100}}
	m := New(cfg, func(b []Bottleneck) { got = b }, nil)

	for i := 0; i < 50; i++ {
		m.Record(StageSynth, 500) // far above 1.5x target
	}

	found := m.DetectBottlenecks()
	if len(found) != 1 {
		t.Fatalf("expected 1 bottleneck, got %d", len(found))
	}
	if found[0].Stage != StageSynth {
		t.Errorf("expected synth flagged, got %s", found[0].Stage)
	}
	if len(found[0].Recommendations) == 0 {
		t.Error("expected recommendations attached")
	}
	if len(got) != 1 {
		t.Error("expected onBottlenecks callback invoked")
	}
}

func TestDetectBottlenecksIgnoresHealthyStage(t *testing.T) {
	cfg := Config{WindowSize: 50, Targets: map[Stage]float64{StagePreprocess: 100}}
	m := New(cfg, nil, nil)
	for i := 0; i < 50; i++ {
		m.Record(StagePreprocess, 20)
	}

	if found := m.DetectBottlenecks(); len(found) != 0 {
		t.Errorf("expected no bottlenecks, got %v", found)
	}
}

func TestRecordResourceFiresAlertAboveThreshold(t *testing.T) {
	var alerted ResourceSample
	m := New(DefaultConfig(), nil, func(s ResourceSample) { alerted = s })

	m.RecordResource(ResourceSample{CPUPercent: 95, MemoryPercent: 40, SampledAt: time.Now()})

	if alerted.CPUPercent != 95 {
		t.Errorf("expected resource alert fired with CPU 95, got %+v", alerted)
	}
}

func TestRecordResourceNoAlertBelowThreshold(t *testing.T) {
	fired := false
	m := New(DefaultConfig(), nil, func(s ResourceSample) { fired = true })

	m.RecordResource(ResourceSample{CPUPercent: 40, MemoryPercent: 40, SampledAt: time.Now()})

	if fired {
		t.Error("expected no resource alert below threshold")
	}
}
