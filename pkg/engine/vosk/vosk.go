// Package vosk adapts the libvosk CGO bindings to the [engine.Engine]
// capability. libvosk (libvosk.so and vosk_api.h) must be available at
// link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// The adapter carries no concurrency of its own: a *vosk.VoskRecognizer is
// not thread-safe and the filter serialises all access to it.
package vosk

import (
	"fmt"
	"log/slog"

	vosklib "github.com/alphacep/vosk-api/go"

	"github.com/voskflow/voskflow/pkg/engine"
)

// Compile-time assertions that the adapter satisfies the engine capability.
var (
	_ engine.Engine     = (*Engine)(nil)
	_ engine.Model      = (*model)(nil)
	_ engine.Recognizer = (*recognizer)(nil)
)

// Engine implements [engine.Engine] on top of libvosk.
type Engine struct{}

// Option is a functional option for [New].
type Option func(*Engine)

// WithLogLevel sets the libvosk log level. Levels below zero silence the
// library entirely. The setting is process-wide.
func WithLogLevel(level int) Option {
	return func(*Engine) { vosklib.SetLogLevel(level) }
}

// New creates a libvosk-backed engine. By default libvosk's own logging is
// silenced; use [WithLogLevel] to re-enable it.
func New(opts ...Option) *Engine {
	vosklib.SetLogLevel(-1)
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LoadModel reads the vosk model directory at path. This is the unbounded
// construction step; never call it on a latency-sensitive goroutine.
func (e *Engine) LoadModel(path string) (engine.Model, error) {
	m, err := vosklib.NewModel(path)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w: %v", path, engine.ErrInvalidModel, err)
	}
	return &model{m: m}, nil
}

type model struct {
	m *vosklib.VoskModel
}

func (m *model) NewRecognizer(sampleRate int) (engine.Recognizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("vosk: sample rate %d is not positive", sampleRate)
	}
	r, err := vosklib.NewRecognizer(m.m, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("vosk: new recognizer at %d Hz: %w", sampleRate, err)
	}
	return &recognizer{r: r}, nil
}

func (m *model) Close() error {
	m.m.Free()
	return nil
}

type recognizer struct {
	r *vosklib.VoskRecognizer
}

func (r *recognizer) Accept(data []byte) (engine.Decision, error) {
	switch res := r.r.AcceptWaveform(data); {
	case res > 0:
		return engine.DecisionUtteranceEnd, nil
	case res == 0:
		return engine.DecisionPending, nil
	default:
		return engine.DecisionPending, fmt.Errorf("vosk: accept waveform returned %d", res)
	}
}

func (r *recognizer) Partial() string     { return r.r.PartialResult() }
func (r *recognizer) Result() string      { return r.r.Result() }
func (r *recognizer) FinalResult() string { return r.r.FinalResult() }
func (r *recognizer) Reset()              { r.r.Reset() }

func (r *recognizer) SetMaxAlternatives(n int) {
	if n < 0 {
		slog.Warn("vosk: ignoring negative alternatives count", "n", n)
		return
	}
	r.r.SetMaxAlternatives(n)
}

func (r *recognizer) Close() error {
	r.r.Free()
	return nil
}
