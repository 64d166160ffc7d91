package measurement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/metrics"
	"github.com/amarcoder01/customsp/pkg/types"
)

const (
	DefaultIdleSamples     = 20
	DefaultIdleSampleDelay = 100 * time.Millisecond
)

var ErrStageOrder = errors.New("loaded latency: stage out of order")

// LoadedLatencyTester accumulates latency samples for the idle, download and
// upload stages of one session. It is owned by a single goroutine.
type LoadedLatencyTester struct {
	sampler   Sampler
	idleDelay time.Duration
	logger    *logging.Logger

	stage    types.LatencyStage
	idle     []float64
	download []float64
	upload   []float64
}

func NewLoadedLatencyTester(sampler Sampler) *LoadedLatencyTester {
	return &LoadedLatencyTester{
		sampler:   sampler,
		idleDelay: DefaultIdleSampleDelay,
		logger:    logging.NewLogger("latency"),
		stage:     types.StageIdle,
	}
}

// SetIdleDelay overrides the pause between idle samples.
func (t *LoadedLatencyTester) SetIdleDelay(d time.Duration) {
	if d >= 0 {
		t.idleDelay = d
	}
}

func (t *LoadedLatencyTester) Stage() types.LatencyStage {
	return t.stage
}

// Enter moves to stage. Staying in the current stage is a no-op; only the
// immediate successor is reachable, and Finalized only via CalculateResults.
func (t *LoadedLatencyTester) Enter(stage types.LatencyStage) error {
	if stage == t.stage && stage != types.StageFinalized {
		return nil
	}
	if stage != t.stage+1 || stage == types.StageFinalized {
		return fmt.Errorf("%w: %s -> %s", ErrStageOrder, t.stage, stage)
	}
	t.stage = stage
	return nil
}

// MeasureIdleLatency takes sampleCount sequential probes with a fixed pause
// between them. The first failure aborts; the baseline must be complete.
func (t *LoadedLatencyTester) MeasureIdleLatency(ctx context.Context, target string, sampleCount int) error {
	if t.stage != types.StageIdle {
		return fmt.Errorf("%w: idle measurement in %s", ErrStageOrder, t.stage)
	}
	for i := 0; i < sampleCount; i++ {
		latency, err := t.sampler.Probe(ctx, target)
		if err != nil {
			return err
		}
		t.record(types.StageIdle, latency)
		if i%5 == 0 {
			t.logger.Debug("idle probe",
				logging.Field{Key: "sample", Value: i + 1},
				logging.Field{Key: "of", Value: sampleCount},
				logging.Field{Key: "latency_ms", Value: latency})
		}
		if i == sampleCount-1 || t.idleDelay == 0 {
			continue
		}
		timer := time.NewTimer(t.idleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// MeasureDownloadLoadedLatency takes one blocking probe and records it
// under the download stage. Sessions probe on a helper goroutine instead
// and hand the value to RecordLoaded, so the transfer loop never waits.
func (t *LoadedLatencyTester) MeasureDownloadLoadedLatency(ctx context.Context, target string) (float64, error) {
	return t.measureLoaded(ctx, types.StageDownloadLoaded, target)
}

// MeasureUploadLoadedLatency is MeasureDownloadLoadedLatency for the
// upload stage.
func (t *LoadedLatencyTester) MeasureUploadLoadedLatency(ctx context.Context, target string) (float64, error) {
	return t.measureLoaded(ctx, types.StageUploadLoaded, target)
}

func (t *LoadedLatencyTester) measureLoaded(ctx context.Context, stage types.LatencyStage, target string) (float64, error) {
	if err := t.Enter(stage); err != nil {
		return 0, err
	}
	latency, err := t.sampler.Probe(ctx, target)
	if err != nil {
		return 0, err
	}
	return latency, t.RecordLoaded(stage, latency)
}

// RecordLoaded appends a sample taken under load, entering stage first if
// needed. Only the download and upload stages accept samples.
func (t *LoadedLatencyTester) RecordLoaded(stage types.LatencyStage, latency float64) error {
	if stage != types.StageDownloadLoaded && stage != types.StageUploadLoaded {
		return fmt.Errorf("%w: loaded sample for %s", ErrStageOrder, stage)
	}
	if err := t.Enter(stage); err != nil {
		return err
	}
	t.record(stage, latency)
	return nil
}

// record appends one sample. Samples are never removed or rewritten.
func (t *LoadedLatencyTester) record(stage types.LatencyStage, latency float64) {
	switch stage {
	case types.StageIdle:
		t.idle = append(t.idle, latency)
	case types.StageDownloadLoaded:
		t.download = append(t.download, latency)
	case types.StageUploadLoaded:
		t.upload = append(t.upload, latency)
	case types.StageFinalized:
		t.logger.Warn("sample after finalization dropped", logging.Field{Key: "latency_ms", Value: latency})
	}
}

// Samples returns a copy of the samples recorded for stage.
func (t *LoadedLatencyTester) Samples(stage types.LatencyStage) []types.RawSample {
	var src []float64
	switch stage {
	case types.StageIdle:
		src = t.idle
	case types.StageDownloadLoaded:
		src = t.download
	case types.StageUploadLoaded:
		src = t.upload
	case types.StageFinalized:
		return nil
	}
	out := make([]types.RawSample, len(src))
	for i, v := range src {
		out[i] = types.RawSample{ValueMs: v, Stage: stage}
	}
	return out
}

// CalculateResults derives per-stage statistics, bufferbloat and RPM. It
// depends only on the recorded samples, so repeated calls agree. Empty
// stages produce zeros. The tester is finalized afterwards.
func (t *LoadedLatencyTester) CalculateResults() types.LoadedLatencyResult {
	idle := metrics.CalculateStageStatistics(t.idle)
	download := metrics.CalculateStageStatistics(t.download)
	upload := metrics.CalculateStageStatistics(t.upload)

	dlRatio := metrics.BufferbloatRatio(download.AverageMs, idle.AverageMs)
	ulRatio := metrics.BufferbloatRatio(upload.AverageMs, idle.AverageMs)
	worst := dlRatio
	if ulRatio > worst {
		worst = ulRatio
	}

	result := types.LoadedLatencyResult{
		Idle:     idle,
		Download: download,
		Upload:   upload,

		IdleSamples:     cloneSamples(t.idle),
		DownloadSamples: cloneSamples(t.download),
		UploadSamples:   cloneSamples(t.upload),

		BufferbloatDownloadMs:    download.AverageMs - idle.AverageMs,
		BufferbloatUploadMs:      upload.AverageMs - idle.AverageMs,
		BufferbloatDownloadRatio: dlRatio,
		BufferbloatUploadRatio:   ulRatio,
		BufferbloatGrade:         metrics.CalculateBufferbloatGrade(worst),

		IdleRPM:     metrics.RPM(idle.AverageMs),
		DownloadRPM: metrics.RPM(download.AverageMs),
		UploadRPM:   metrics.RPM(upload.AverageMs),
	}

	if t.stage != types.StageFinalized {
		t.stage = types.StageFinalized
		t.logger.Info("loaded latency calculated",
			logging.Field{Key: "idle_ms", Value: idle.AverageMs},
			logging.Field{Key: "download_ms", Value: download.AverageMs},
			logging.Field{Key: "upload_ms", Value: upload.AverageMs},
			logging.Field{Key: "grade", Value: result.BufferbloatGrade.String()})
	}
	return result
}

func cloneSamples(src []float64) []float64 {
	out := make([]float64, len(src))
	copy(out, src)
	return out
}
