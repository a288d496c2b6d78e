// Package filter implements the streaming speech-recognition filter core:
// a state machine that feeds PCM audio to a recognition engine, queues audio
// while a model load is in flight, throttles result polling when the data
// path falls behind, and publishes partial/final transcripts to the host.
//
// One mutex per [Filter] guards all mutable state. The mutex is held across
// recognizer queries (engine instances are not thread-safe) but never across
// model construction, which runs on the loader's dedicated worker goroutine
// and is unbounded in duration. Audio always passes through to the
// downstream sink unmodified, whatever the recognition outcome.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voskflow/voskflow/internal/observe"
	"github.com/voskflow/voskflow/pkg/engine"
	"github.com/voskflow/voskflow/pkg/pipeline"
)

// DefaultModelPath is the conventional system-wide model install location.
const DefaultModelPath = "/usr/share/vosk/model"

// catchUpLag is how far the data path must fall behind pipeline time before
// the filter stops querying the engine after every frame and switches to
// the once-per-second-of-consumed-audio policy.
const catchUpLag = 500 * time.Millisecond

// ErrNoModelPath is returned when an activation is attempted with an empty
// model path.
var ErrNoModelPath = errors.New("filter: no model path configured")

// TransitionResult is the outcome of a lifecycle transition request.
type TransitionResult int

const (
	// TransitionSuccess means the transition completed synchronously.
	TransitionSuccess TransitionResult = iota

	// TransitionAsync means the transition is pending on a model load;
	// the host is notified through [pipeline.Notifier.AsyncDone] or
	// [pipeline.Notifier.ActivationFailed].
	TransitionAsync

	// TransitionFailure means the transition was refused.
	TransitionFailure
)

// String returns the human-readable name of the result.
func (r TransitionResult) String() string {
	switch r {
	case TransitionSuccess:
		return "success"
	case TransitionAsync:
		return "async"
	case TransitionFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Filter is one instance of the recognition filter element.
//
// All exported methods are safe for concurrent use; frame delivery,
// lifecycle transitions, and property writes may arrive from different
// goroutines and serialise through the one internal mutex.
type Filter struct {
	downstream pipeline.Downstream
	notifier   pipeline.Notifier
	loader     *modelLoader
	metrics    *observe.Metrics
	now        func() time.Duration

	mu sync.Mutex

	// Configuration properties.
	modelPath       string
	alternatives    int
	partialInterval time.Duration

	// Engine handle. rec is non-nil only when model is non-nil, rate > 0,
	// and the installed model came from modelPath.
	model      engine.Model
	loadedPath string
	rec        engine.Recognizer
	rate       int

	// Streaming state.
	queue         frameQueue
	buffering     bool
	processed     uint64
	lastPartial   string
	lastPartialTS time.Duration
	partialSeen   bool

	// Lifecycle.
	stage   pipeline.Stage
	loadTok *cancelToken
	closed  bool
}

// Option is a functional option for [New].
type Option func(*Filter)

// WithModelPath sets the initial model path. Default: [DefaultModelPath].
func WithModelPath(path string) Option {
	return func(f *Filter) { f.modelPath = path }
}

// WithAlternatives sets the initial number of alternative transcriptions
// carried in result payloads (0–100). Default: 0.
func WithAlternatives(n int) Option {
	return func(f *Filter) { f.alternatives = n }
}

// WithPartialInterval sets the minimum spacing between published partial
// results, measured in frame presentation time. A negative value disables
// partial results entirely. Default: 0 (publish on every change).
func WithPartialInterval(d time.Duration) Option {
	return func(f *Filter) { f.partialInterval = d }
}

// WithClock overrides the pipeline-time source used for the catch-up
// policy. The function must return the current running time in the same
// domain as frame presentation timestamps. Default: time elapsed since New.
func WithClock(now func() time.Duration) Option {
	return func(f *Filter) { f.now = now }
}

// WithMetrics records filter activity into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// New creates a Filter that loads models through eng, forwards every frame
// to downstream, and reports to notifier. The caller must call [Filter.Close]
// when done to stop the loader worker and release the engine handle.
func New(eng engine.Engine, downstream pipeline.Downstream, notifier pipeline.Notifier, opts ...Option) *Filter {
	f := &Filter{
		downstream: downstream,
		notifier:   notifier,
		modelPath:  DefaultModelPath,
	}
	for _, o := range opts {
		o(f)
	}
	if f.now == nil {
		start := time.Now()
		f.now = func() time.Duration { return time.Since(start) }
	}
	f.loader = newModelLoader(eng, f)
	return f
}

// ── Frame delivery ────────────────────────────────────────────────────────────

// HandleFrame delivers one frame of audio. While no recognizer is ready the
// frame is queued; otherwise it is fed to the engine, preceded by any queued
// backlog in strict FIFO order (bounded effort per call). The frame is
// always forwarded downstream afterwards, even when recognition is
// unavailable or failed; the returned error is the downstream sink's.
func (f *Filter) HandleFrame(fr pipeline.Frame) error {
	f.mu.Lock()
	switch {
	case f.buffering:
		f.enqueueLocked(fr)
	case f.rec != nil:
		if f.queue.len() > 0 {
			f.enqueueLocked(fr)
			f.drainLocked()
		} else {
			f.processFrameLocked(fr)
		}
	default:
		slog.Warn("frame not handled: no recognizer and not buffering",
			"stage", f.stage.String())
	}
	f.mu.Unlock()

	return f.downstream.PushFrame(fr)
}

// enqueueLocked appends fr to the backlog. Must be called with f.mu held.
func (f *Filter) enqueueLocked(fr pipeline.Frame) {
	f.queue.push(fr)
	if f.metrics != nil {
		f.metrics.AddQueueDepth(context.Background(), 1)
	}
}

// drainLocked feeds up to drainBatchSize queued frames to the recognizer in
// arrival order. The remainder is worked off on subsequent deliveries.
// Must be called with f.mu held and f.rec non-nil.
func (f *Filter) drainLocked() {
	for i := 0; i < drainBatchSize; i++ {
		fr, ok := f.queue.pop()
		if !ok {
			return
		}
		if f.metrics != nil {
			f.metrics.AddQueueDepth(context.Background(), -1)
		}
		f.processFrameLocked(fr)
	}
	if n := f.queue.len(); n > 0 {
		slog.Debug("drain batch exhausted, backlog remains", "queued", n)
	}
}

// processFrameLocked feeds one frame to the recognizer and applies the
// catch-up/throttle policy to decide whether to query for a result.
// Must be called with f.mu held and f.rec non-nil.
func (f *Filter) processFrameLocked(fr pipeline.Frame) {
	if len(fr.Data) == 0 {
		return
	}

	decision, err := f.rec.Accept(fr.Data)
	f.processed += uint64(len(fr.Data))
	if f.metrics != nil {
		f.metrics.RecordFrame(context.Background(), len(fr.Data))
	}
	if err != nil {
		// Recognition must never stop audio flow: log, skip the query,
		// and let the caller forward the frame as usual.
		slog.Error("engine rejected waveform chunk", "err", err)
		if f.metrics != nil {
			f.metrics.RecordFeedError(context.Background())
		}
		return
	}

	// 16-bit mono: two bytes per sample.
	bytesPerSecond := uint64(f.rate) * 2

	lag := f.now() - fr.Timestamp
	if lag > catchUpLag {
		// Catching up: query only once per second of consumed audio
		// instead of on every lagging frame.
		if f.processed%bytesPerSecond >= uint64(len(fr.Data)) {
			return
		}
		slog.Debug("late on pipeline time, forcing result check",
			"lag", lag, "processed", f.processed)
	} else if f.processed < bytesPerSecond/10 {
		// Less than ~100 ms consumed since the last result; too little
		// data for a meaningful query.
		return
	}

	switch decision {
	case engine.DecisionUtteranceEnd:
		f.emitFinalLocked(fr.Timestamp)
	case engine.DecisionPending:
		f.emitPartialLocked(fr.Timestamp)
	}
}

// ── Format and property changes ───────────────────────────────────────────────

// FormatChanged records a new sample rate. When a recognizer exists at a
// different rate, the pending final result is published and the recognizer
// is rebuilt at the new rate; rebinding an already-loaded model is cheap and
// happens synchronously under the lock. When no model is loaded yet the rate
// is recorded for use once loading completes.
func (f *Filter) FormatChanged(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("filter: invalid sample rate %d", rate)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.model == nil {
		slog.Info("rate recorded, model not loaded yet", "rate", rate)
		f.rate = rate
		return nil
	}

	if f.rec != nil {
		if rate == f.rate {
			slog.Info("rate unchanged, keeping recognizer", "rate", rate)
			return nil
		}
		// Flush what the old-rate recognizer has seen before replacing it.
		if payload := f.forceFinalLocked(); payload != "" {
			f.postLocked(pipeline.Transcript{Payload: payload, Final: true, Timestamp: f.now()})
		}
		f.rec.Close()
		f.rec = nil
	}

	f.rate = rate
	return f.bindRecognizerLocked()
}

// bindRecognizerLocked creates a recognizer from the installed model at the
// current rate. Must be called with f.mu held, f.model non-nil, f.rate > 0.
func (f *Filter) bindRecognizerLocked() error {
	rec, err := f.model.NewRecognizer(f.rate)
	if err != nil {
		return fmt.Errorf("filter: bind recognizer at %d Hz: %w", f.rate, err)
	}
	rec.SetMaxAlternatives(f.alternatives)
	f.rec = rec
	f.processed = 0
	slog.Info("recognizer created", "rate", f.rate, "path", f.loadedPath)
	return nil
}

// SetModelPath changes the model path. Setting the current path again is a
// no-op. A non-empty new path destroys the current engine handle and, when
// the filter is at least activating (or already had a model), starts an
// asynchronous reload, superseding any load in flight; otherwise loading is
// deferred until activation. An empty path tears the handle down and
// reverts the filter to idle.
func (f *Filter) SetModelPath(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if path == f.modelPath {
		return
	}
	f.modelPath = path

	if path == "" {
		f.cancelLoadLocked()
		f.closeHandleLocked()
		f.clearQueueLocked()
		f.buffering = false
		if f.stage != pipeline.StageIdle {
			f.stage = pipeline.StageIdle
		}
		slog.Info("model path cleared, filter idle")
		return
	}

	if f.model != nil || f.stage != pipeline.StageIdle {
		f.closeHandleLocked()
		f.clearQueueLocked()
		f.submitLoadLocked()
		return
	}

	slog.Debug("model path recorded, load deferred until activation", "path", path)
}

// SetAlternatives sets how many alternative transcriptions result payloads
// carry (0–100). Applied to a live recognizer immediately; an unchanged or
// out-of-range value is ignored.
func (f *Filter) SetAlternatives(n int) {
	if n < 0 || n > 100 {
		slog.Warn("alternatives out of range, ignoring", "n", n)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if n == f.alternatives {
		return
	}
	f.alternatives = n
	if f.rec != nil {
		f.rec.SetMaxAlternatives(n)
	} else {
		slog.Debug("no recognizer yet, alternatives apply on creation", "n", n)
	}
}

// SetPartialInterval sets the minimum spacing between published partials,
// in frame presentation time. Negative disables partials.
func (f *Filter) SetPartialInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partialInterval = d
}

// ModelPath returns the configured model path.
func (f *Filter) ModelPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modelPath
}

// Alternatives returns the configured alternatives count.
func (f *Filter) Alternatives() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alternatives
}

// PartialInterval returns the configured minimum partial spacing.
func (f *Filter) PartialInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.partialInterval
}

// Stage returns the current lifecycle stage.
func (f *Filter) Stage() pipeline.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stage
}

// FinalResults forces the recognizer to flush and returns the final payload,
// or "" when there is no recognizer or no audio has been consumed since the
// last final result. The payload is returned, not posted to the notifier.
func (f *Filter) FinalResults() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceFinalLocked()
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Transition moves the filter between lifecycle stages.
//
// Entering [pipeline.StageActivating] with no model starts an asynchronous
// load and returns [TransitionAsync]; the host learns the outcome through
// the notifier. Entering [pipeline.StageIdle] cancels any in-flight load,
// destroys the engine handle, and discards queued frames.
func (f *Filter) Transition(to pipeline.Stage) TransitionResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	slog.Info("lifecycle transition", "from", f.stage.String(), "to", to.String())

	switch to {
	case pipeline.StageActivating:
		if f.modelPath == "" {
			slog.Error("cannot activate", "err", ErrNoModelPath)
			return TransitionFailure
		}
		f.stage = pipeline.StageActivating
		if f.model != nil {
			return TransitionSuccess
		}
		f.submitLoadLocked()
		f.notifier.AsyncStart()
		return TransitionAsync

	case pipeline.StageActive:
		if f.stage == pipeline.StageIdle {
			return TransitionFailure
		}
		f.stage = pipeline.StageActive
		return TransitionSuccess

	case pipeline.StageIdle:
		f.cancelLoadLocked()
		f.resetLocked()
		f.stage = pipeline.StageIdle
		return TransitionSuccess

	default:
		return TransitionFailure
	}
}

// FlushStart discards all queued frames and the current hypothesis: the
// recognizer's internal state is reset without destroying it and the
// processed-byte counter returns to zero. No final result is produced for
// the discarded segment.
func (f *Filter) FlushStart() {
	f.mu.Lock()
	defer f.mu.Unlock()

	slog.Info("flushing", "queued", f.queue.len())
	f.clearQueueLocked()
	if f.rec != nil {
		f.rec.Reset()
	} else {
		slog.Debug("no recognizer to flush")
	}
	f.processed = 0
	f.lastPartial = ""
}

// FlushStop marks the end of a flush. The filter holds no flush-spanning
// state beyond what FlushStart already cleared.
func (f *Filter) FlushStop() {
	slog.Debug("flush stop")
}

// EndOfStream cancels any in-flight model load and forces emission of the
// final result for the audio consumed so far. When nothing was consumed
// since the last final result, no transcript is published. The host remains
// responsible for propagating end-of-stream downstream.
func (f *Filter) EndOfStream() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelLoadLocked()
	ts := f.now()
	if payload := f.forceFinalLocked(); payload != "" {
		f.postLocked(pipeline.Transcript{Payload: payload, Final: true, Timestamp: ts})
	}
}

// Close tears the filter down: it cancels any in-flight load, waits for the
// loader worker to acknowledge, destroys the engine handle, and releases
// all queued frames. The filter must not be used afterwards.
func (f *Filter) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.cancelLoadLocked()
	f.mu.Unlock()

	// Wait for a possibly executing load to notice cancellation and
	// finish; it takes f.mu to discard its result, so the mutex must not
	// be held here.
	f.loader.stop()

	f.mu.Lock()
	f.resetLocked()
	f.stage = pipeline.StageIdle
	f.mu.Unlock()

	slog.Debug("filter closed")
	return nil
}

// ── Loader callback ───────────────────────────────────────────────────────────

// installModel is called by the loader worker when one model construction
// attempt finishes. The cancellation decision is made here, under the lock:
// a cancellation that arrived after construction completed still discards
// the result. A failed load aborts activation unless a newer request has
// already superseded this one.
func (f *Filter) installModel(ctx context.Context, req loadRequest, model engine.Model, loadErr error, elapsed time.Duration) {
	f.mu.Lock()

	superseded := req.tok.Cancelled() || f.loadTok != req.tok

	if loadErr != nil {
		if f.metrics != nil {
			f.metrics.RecordModelLoad(ctx, elapsed, "error")
		}
		if superseded {
			// A newer, still-relevant request is in flight; this
			// failure must not stall it.
			slog.Info("superseded model load failed, ignoring", "path", req.path, "err", loadErr)
			f.mu.Unlock()
			return
		}
		slog.Error("model load failed", "path", req.path, "err", loadErr)
		f.loadTok = nil
		f.clearQueueLocked()
		f.buffering = false
		f.stage = pipeline.StageIdle
		f.notifier.ActivationFailed(fmt.Errorf("filter: load model %q: %w", req.path, loadErr))
		f.mu.Unlock()
		return
	}

	if superseded {
		if f.metrics != nil {
			f.metrics.RecordModelLoad(ctx, elapsed, "cancelled")
		}
		slog.Info("model load cancelled after construction, discarding", "path", req.path)
		f.mu.Unlock()
		// The constructed model was privately owned by the worker; no
		// one else can observe it, so closing outside the lock is safe.
		model.Close()
		return
	}

	f.loadTok = nil
	f.model = model
	f.loadedPath = req.path
	f.processed = 0

	if f.rate > 0 {
		if err := f.bindRecognizerLocked(); err != nil {
			slog.Error("recognizer creation failed after load", "err", err)
			f.model = nil
			f.loadedPath = ""
			f.clearQueueLocked()
			f.buffering = false
			f.stage = pipeline.StageIdle
			f.notifier.ActivationFailed(err)
			f.mu.Unlock()
			model.Close()
			return
		}
	} else {
		slog.Info("model installed, rate not set yet: no recognizer created", "path", req.path)
	}

	if f.metrics != nil {
		f.metrics.RecordModelLoad(ctx, elapsed, "ok")
	}
	f.buffering = false

	if f.stage == pipeline.StageActivating {
		f.stage = pipeline.StageActive
		f.notifier.AsyncDone()
	}
	slog.Info("model installed", "path", req.path, "elapsed", elapsed)
	f.mu.Unlock()
}

// ── Locked helpers ────────────────────────────────────────────────────────────

// submitLoadLocked cancels any in-flight load and hands the current model
// path to the loader worker. Queued frames start accumulating until the new
// handle is installed. Must be called with f.mu held and modelPath != "".
func (f *Filter) submitLoadLocked() {
	f.cancelLoadLocked()
	tok := &cancelToken{}
	f.loadTok = tok
	f.buffering = true
	f.loader.submit(loadRequest{path: f.modelPath, tok: tok})
}

// cancelLoadLocked cancels the active load token, if any. The worker is not
// waited on; it discards its result cooperatively. Must be called with
// f.mu held.
func (f *Filter) cancelLoadLocked() {
	if f.loadTok != nil {
		f.loadTok.Cancel()
		f.loadTok = nil
	}
}

// closeHandleLocked destroys the recognizer and model. Must be called with
// f.mu held.
func (f *Filter) closeHandleLocked() {
	if f.rec != nil {
		f.rec.Close()
		f.rec = nil
		f.processed = 0
	}
	if f.model != nil {
		f.model.Close()
		f.model = nil
		f.loadedPath = ""
	}
}

// clearQueueLocked releases all queued frames. Must be called with f.mu held.
func (f *Filter) clearQueueLocked() {
	if n := f.queue.len(); n > 0 && f.metrics != nil {
		f.metrics.AddQueueDepth(context.Background(), -int64(n))
	}
	f.queue.clear()
}

// resetLocked returns the filter to its unloaded state: queued frames are
// released, the engine handle is destroyed, and the accumulated audio
// accounting is cleared. The model path and other properties survive.
// Must be called with f.mu held.
func (f *Filter) resetLocked() {
	f.lastPartial = ""
	f.lastPartialTS = 0
	f.partialSeen = false
	f.clearQueueLocked()
	f.buffering = false
	f.closeHandleLocked()
	f.processed = 0
	f.rate = 0
}
