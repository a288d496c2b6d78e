package filter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/voskflow/voskflow/pkg/engine"
)

// tracerName is the instrumentation scope for model-load spans.
const tracerName = "github.com/voskflow/voskflow/internal/filter"

// cancelToken is an advisory, cooperative cancellation flag shared between
// the filter and one load request. The loader checks it under the filter
// mutex after construction finishes, so a cancellation that arrives while
// the model is being built still discards the result.
type cancelToken struct {
	fired atomic.Bool
}

// Cancel marks the token. Idempotent.
func (t *cancelToken) Cancel() { t.fired.Store(true) }

// Cancelled reports whether Cancel was called.
func (t *cancelToken) Cancelled() bool { return t.fired.Load() }

// loadRequest asks the loader worker to build a model from path. tok is the
// request's private cancellation token; superseding a request cancels its
// token rather than dropping it silently.
type loadRequest struct {
	path string
	tok  *cancelToken
}

// modelLoader runs model construction on a dedicated worker goroutine so
// the unbounded LoadModel call never executes on the data-delivery
// goroutine and never under the filter mutex.
//
// The single worker plus the single-slot request queue guarantee that no
// two models are ever constructed in parallel: a submit while a request is
// still pending replaces (and cancels) the pending one, and a submit while
// a load is executing queues behind it.
type modelLoader struct {
	eng      engine.Engine
	owner    *Filter
	requests chan loadRequest
	done     chan struct{}
	wg       sync.WaitGroup
}

func newModelLoader(eng engine.Engine, owner *Filter) *modelLoader {
	l := &modelLoader{
		eng:      eng,
		owner:    owner,
		requests: make(chan loadRequest, 1),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// submit hands a request to the worker. If an earlier request is still
// waiting in the slot it is cancelled and replaced; the worker will skip it.
// Never blocks, so it is safe to call with the filter mutex held.
func (l *modelLoader) submit(req loadRequest) {
	for {
		select {
		case l.requests <- req:
			return
		default:
		}
		select {
		case stale := <-l.requests:
			stale.tok.Cancel()
			slog.Debug("superseded queued model load", "path", stale.path)
		default:
		}
	}
}

// stop shuts the worker down and waits for it to acknowledge, guaranteeing
// no loader activity after return. Callers must not hold the filter mutex:
// a completing load takes it to install or discard its result.
func (l *modelLoader) stop() {
	close(l.done)
	l.wg.Wait()
}

func (l *modelLoader) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case req := <-l.requests:
			l.load(req)
		}
	}
}

// load performs one model construction. The filter mutex is held only
// inside installModel, never across eng.LoadModel.
func (l *modelLoader) load(req loadRequest) {
	// The request may have waited in the slot; re-check before paying for
	// construction.
	if req.tok.Cancelled() {
		slog.Debug("model load cancelled before start", "path", req.path)
		return
	}

	slog.Info("loading model", "path", req.path)
	ctx, span := otel.Tracer(tracerName).Start(context.Background(), "filter.load_model",
		trace.WithAttributes(attribute.String("model_path", req.path)))

	start := time.Now()
	model, err := l.eng.LoadModel(req.path)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
	}
	span.End()

	l.owner.installModel(ctx, req, model, err, elapsed)
}
