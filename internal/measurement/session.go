package measurement

import (
	"context"
	"time"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/metrics"
	"github.com/amarcoder01/customsp/internal/scoring"
	"github.com/amarcoder01/customsp/pkg/errors"
	"github.com/amarcoder01/customsp/pkg/types"
)

const DefaultLoadedProbeInterval = 500 * time.Millisecond

// Progress bands per stage; the reporter clamps so percent never decreases.
const (
	pctInitializing = 0
	pctIdleStart    = 10
	pctIdleDone     = 25
	pctDownload     = 30
	pctUpload       = 60
	pctStageSpan    = 29
	pctFinalizing   = 90
	pctComplete     = 100
)

// Identity stamps the basic record of a session.
type Identity struct {
	ID       string
	ServerID string
	ClientIP string
	Protocol string
}

type SessionConfig struct {
	Identity Identity
	// Target is the host:port probed for latency.
	Target              string
	IdleSamples         int
	IdleSampleDelay     time.Duration
	LoadedProbeInterval time.Duration
	Engine              EngineConfig
}

// Session runs one measurement: idle, loaded download, loaded upload, then
// finalization. Run must be called once, from the goroutine that owns the
// connection.
type Session struct {
	cfg     SessionConfig
	sampler Sampler
	channel Channel
	sink    ProgressSink
	engine  *Engine
	tester  *LoadedLatencyTester
	logger  *logging.Logger
}

func NewSession(cfg SessionConfig, sampler Sampler, ch Channel, sink ProgressSink) *Session {
	if cfg.IdleSamples <= 0 {
		cfg.IdleSamples = DefaultIdleSamples
	}
	if cfg.LoadedProbeInterval <= 0 {
		cfg.LoadedProbeInterval = DefaultLoadedProbeInterval
	}
	tester := NewLoadedLatencyTester(sampler)
	if cfg.IdleSampleDelay > 0 {
		tester.SetIdleDelay(cfg.IdleSampleDelay)
	}
	return &Session{
		cfg:     cfg,
		sampler: sampler,
		channel: ch,
		sink:    sink,
		engine:  NewEngine(cfg.Engine),
		tester:  tester,
		logger:  logging.NewLogger("session"),
	}
}

// Run executes every stage in order. On any fatal error or cancellation it
// returns a *errors.SessionError naming the stage and no result.
func (s *Session) Run(ctx context.Context) (*types.EnhancedResult, error) {
	started := time.Now()
	rep := &progressReporter{sink: s.sink}
	result := types.TestResult{
		ID:        s.cfg.Identity.ID,
		ServerID:  s.cfg.Identity.ServerID,
		ClientIP:  s.cfg.Identity.ClientIP,
		Protocol:  s.cfg.Identity.Protocol,
		Timestamp: started.UTC(),
	}
	fields := []logging.Field{{Key: "test_id", Value: result.ID}}

	if err := rep.emit(ctx, types.ProgressInitializing, pctInitializing, "Starting test...", nil, nil); err != nil {
		return nil, s.fail(ctx, types.ProgressInitializing, errors.ErrCodeTransferFailed, err)
	}

	// Idle
	if err := rep.emit(ctx, types.ProgressIdleLatency, pctIdleStart, "Measuring baseline latency...", nil, nil); err != nil {
		return nil, s.fail(ctx, types.ProgressIdleLatency, errors.ErrCodeTransferFailed, err)
	}
	if err := s.tester.MeasureIdleLatency(ctx, s.cfg.Target, s.cfg.IdleSamples); err != nil {
		return nil, s.fail(ctx, types.ProgressIdleLatency, errors.ErrCodeProbeFailed, err)
	}
	idle := s.tester.Samples(types.StageIdle)
	idleValues := make([]float64, len(idle))
	for i, v := range idle {
		idleValues[i] = v.ValueMs
	}
	result.LatencyMs = metrics.Mean(idleValues)
	result.JitterMs = metrics.CalculateJitter(idleValues)
	s.logger.Info("idle baseline", append(fields,
		logging.Field{Key: "latency_ms", Value: result.LatencyMs},
		logging.Field{Key: "jitter_ms", Value: result.JitterMs})...)
	if err := rep.emit(ctx, types.ProgressIdleLatency, pctIdleDone, "Baseline latency measured", nil, &result.LatencyMs); err != nil {
		return nil, s.fail(ctx, types.ProgressIdleLatency, errors.ErrCodeTransferFailed, err)
	}

	// Download
	dl, err := s.loadedStage(ctx, rep, types.ProgressDownload, types.StageDownloadLoaded,
		pctDownload, "Testing download speed...", s.engine.Download)
	if err != nil {
		return nil, err
	}
	result.DownloadMbps = dl.Mbps
	s.logger.Info("download complete", append(fields,
		logging.Field{Key: "mbps", Value: dl.Mbps},
		logging.Field{Key: "chunks", Value: dl.Chunks})...)

	// Upload
	ul, err := s.loadedStage(ctx, rep, types.ProgressUpload, types.StageUploadLoaded,
		pctUpload, "Testing upload speed...", s.engine.Upload)
	if err != nil {
		return nil, err
	}
	result.UploadMbps = ul.Mbps
	s.logger.Info("upload complete", append(fields,
		logging.Field{Key: "mbps", Value: ul.Mbps},
		logging.Field{Key: "simulated", Value: ul.Simulated})...)

	// Finalize
	if err := rep.emit(ctx, types.ProgressFinalizing, pctFinalizing, "Calculating results...", nil, nil); err != nil {
		return nil, s.fail(ctx, types.ProgressFinalizing, errors.ErrCodeTransferFailed, err)
	}
	loaded := s.tester.CalculateResults()
	result.TestDurationMs = time.Since(started).Milliseconds()

	enhanced := &types.EnhancedResult{
		TestResult:          result,
		LoadedLatency:       loaded,
		AIM:                 scoring.Calculate(result, loaded),
		DownloadConsistency: metrics.CalculateConsistency(dl.Measurements),
		UploadConsistency:   metrics.CalculateConsistency(ul.Measurements),
		UploadSimulated:     ul.Simulated,
	}

	if err := rep.emit(ctx, types.ProgressComplete, pctComplete, "Test complete!", nil, nil); err != nil {
		return nil, s.fail(ctx, types.ProgressComplete, errors.ErrCodeTransferFailed, err)
	}
	s.logger.Info("session complete", append(fields,
		logging.Field{Key: "overall_score", Value: enhanced.AIM.OverallScore},
		logging.Field{Key: "bufferbloat", Value: loaded.BufferbloatGrade.String()},
		logging.Field{Key: "duration_ms", Value: result.TestDurationMs})...)
	return enhanced, nil
}

type transferFunc func(context.Context, Channel, Hooks) (TransferResult, error)

// loadedStage runs one transfer direction with periodic latency probes.
func (s *Session) loadedStage(ctx context.Context, rep *progressReporter, stage types.ProgressStage,
	latencyStage types.LatencyStage, base uint8, msg string, transfer transferFunc) (TransferResult, error) {
	if err := s.tester.Enter(latencyStage); err != nil {
		return TransferResult{}, s.fail(ctx, stage, errors.ErrCodeInternal, err)
	}
	if err := rep.emit(ctx, stage, base, msg, nil, nil); err != nil {
		return TransferResult{}, s.fail(ctx, stage, errors.ErrCodeTransferFailed, err)
	}

	prober := newLoadedProber(s, latencyStage)
	hooks := Hooks{
		OnTick: func(t Tick) error {
			pct := base + uint8(t.Fraction*pctStageSpan)
			speed := t.AvgMbps
			return rep.emit(ctx, stage, pct, msg, &speed, prober.lastLatency())
		},
		Yield: prober.poll,
	}

	res, err := transfer(ctx, s.channel, hooks)
	prober.wait(ctx)
	if err != nil {
		return TransferResult{}, s.fail(ctx, stage, errors.ErrCodeTransferFailed, err)
	}
	if prober.failures > 0 {
		s.logger.Warn("loaded probes failed",
			logging.Field{Key: "test_id", Value: s.cfg.Identity.ID},
			logging.Field{Key: "stage", Value: latencyStage.String()},
			logging.Field{Key: "failures", Value: prober.failures})
	}
	return res, nil
}

// fail converts err into the session's terminal error. Cancellation wins
// over whatever error the cancelled operation surfaced.
func (s *Session) fail(ctx context.Context, stage types.ProgressStage, code string, err error) error {
	if ctx.Err() != nil {
		err = errors.ErrCancelled(stage.String(), ctx.Err())
	} else {
		err = errors.Stage(stage.String(), code, err)
	}
	s.logger.Warn("session aborted",
		logging.Field{Key: "test_id", Value: s.cfg.Identity.ID},
		logging.Field{Key: "stage", Value: stage.String()},
		logging.Field{Key: "error", Value: err})
	return err
}

type probeOutcome struct {
	latency float64
	err     error
}

// loadedProber issues at most one latency probe at a time on a fixed
// cadence. The probe runs on a helper goroutine; its sample is recorded by
// the session goroutine in poll or wait, so the transfer loop never blocks
// on a probe.
type loadedProber struct {
	s        *Session
	stage    types.LatencyStage
	next     time.Time
	inflight chan probeOutcome
	last     *float64
	failures int
}

func newLoadedProber(s *Session, stage types.LatencyStage) *loadedProber {
	return &loadedProber{s: s, stage: stage, next: time.Now()}
}

func (p *loadedProber) poll(ctx context.Context) error {
	if p.inflight != nil {
		select {
		case out := <-p.inflight:
			p.inflight = nil
			p.record(out)
		default:
			return nil
		}
	}
	now := time.Now()
	if now.Before(p.next) {
		return nil
	}
	p.next = now.Add(p.s.cfg.LoadedProbeInterval)
	ch := make(chan probeOutcome, 1)
	p.inflight = ch
	sampler, target := p.s.sampler, p.s.cfg.Target
	go func() {
		v, err := sampler.Probe(ctx, target)
		ch <- probeOutcome{latency: v, err: err}
	}()
	return nil
}

// wait collects the in-flight probe, if any, so its sample lands in this
// stage. On cancellation the probe is abandoned; it exits with ctx.
func (p *loadedProber) wait(ctx context.Context) {
	if p.inflight == nil {
		return
	}
	select {
	case out := <-p.inflight:
		p.record(out)
	case <-ctx.Done():
	}
	p.inflight = nil
}

func (p *loadedProber) record(out probeOutcome) {
	if out.err != nil {
		p.failures++
		p.s.logger.Debug("loaded probe failed",
			logging.Field{Key: "stage", Value: p.stage.String()},
			logging.Field{Key: "error", Value: out.err})
		return
	}
	if err := p.s.tester.RecordLoaded(p.stage, out.latency); err != nil {
		p.s.logger.Warn("loaded sample dropped",
			logging.Field{Key: "stage", Value: p.stage.String()},
			logging.Field{Key: "error", Value: err})
		return
	}
	v := out.latency
	p.last = &v
}

func (p *loadedProber) lastLatency() *float64 {
	return p.last
}

// progressReporter forwards progress and enforces monotonic percent.
type progressReporter struct {
	sink ProgressSink
	last uint8
}

func (r *progressReporter) emit(ctx context.Context, stage types.ProgressStage, pct uint8, msg string, speed, latency *float64) error {
	if pct > 100 {
		pct = 100
	}
	if pct < r.last {
		pct = r.last
	}
	r.last = pct
	if r.sink == nil {
		return nil
	}
	return r.sink.SendProgress(ctx, types.Progress{
		Stage:     stage,
		Percent:   pct,
		Message:   msg,
		SpeedMbps: speed,
		LatencyMs: latency,
	})
}
