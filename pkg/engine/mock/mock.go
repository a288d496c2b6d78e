// Package mock provides test doubles for the engine package interfaces.
//
// Use Engine to verify which model paths were loaded and to gate load
// completion for cancellation tests. Use Recognizer to script Accept
// decisions and result payloads, and to inspect the audio the filter fed.
//
// Example:
//
//	eng := &mock.Engine{}
//	rec := &mock.Recognizer{Decisions: []engine.Decision{engine.DecisionUtteranceEnd}}
//	eng.SetModel("/models/en", &mock.Model{Rec: rec})
package mock

import (
	"fmt"
	"sync"

	"github.com/voskflow/voskflow/pkg/engine"
)

// Engine is a mock implementation of engine.Engine.
type Engine struct {
	mu sync.Mutex

	// models maps a model path to the Model returned for it. Paths without
	// an entry yield an error wrapping engine.ErrInvalidModel.
	models map[string]*Model

	// Gate, when non-nil, blocks every LoadModel call until a value is
	// received (or the channel is closed). This lets tests hold a load
	// in its unbounded construction step.
	Gate chan struct{}

	// Started, when non-nil, receives the path of every LoadModel call as
	// it begins, before Gate is consulted.
	Started chan string

	// LoadCalls records every LoadModel path in order.
	LoadCalls []string
}

// SetModel registers m as the model returned for path. Thread-safe.
func (e *Engine) SetModel(path string, m *Model) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.models == nil {
		e.models = make(map[string]*Model)
	}
	e.models[path] = m
}

// LoadModel records the call, optionally blocks on Gate, and returns the
// registered Model for path or an error wrapping engine.ErrInvalidModel.
func (e *Engine) LoadModel(path string) (engine.Model, error) {
	e.mu.Lock()
	e.LoadCalls = append(e.LoadCalls, path)
	m := e.models[path]
	started := e.Started
	gate := e.Gate
	e.mu.Unlock()

	if started != nil {
		started <- path
	}
	if gate != nil {
		<-gate
	}
	if m == nil {
		return nil, fmt.Errorf("mock: model %q: %w", path, engine.ErrInvalidModel)
	}
	return m, nil
}

// LoadCallCount returns the number of LoadModel calls. Thread-safe.
func (e *Engine) LoadCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.LoadCalls)
}

// Ensure Engine implements engine.Engine at compile time.
var _ engine.Engine = (*Engine)(nil)

// Model is a mock implementation of engine.Model.
type Model struct {
	mu sync.Mutex

	// Rec is the Recognizer returned by NewRecognizer. If nil, a fresh
	// default Recognizer is created per call.
	Rec *Recognizer

	// RecErr, if non-nil, is returned as the error from NewRecognizer.
	RecErr error

	// RecognizerRates records the sample rate of every NewRecognizer call.
	RecognizerRates []int

	// CloseCount is the number of times Close was called.
	CloseCount int
}

// NewRecognizer records the call and returns Rec, RecErr.
func (m *Model) NewRecognizer(sampleRate int) (engine.Recognizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecognizerRates = append(m.RecognizerRates, sampleRate)
	if m.RecErr != nil {
		return nil, m.RecErr
	}
	if m.Rec != nil {
		return m.Rec, nil
	}
	return &Recognizer{}, nil
}

// Close records the call.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCount++
	return nil
}

// Closed reports whether Close was called at least once. Thread-safe.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCount > 0
}

// Ensure Model implements engine.Model at compile time.
var _ engine.Model = (*Model)(nil)

// Recognizer is a mock implementation of engine.Recognizer. Script the
// values it returns by pre-populating the exported fields; inspect what the
// filter did through the call records.
type Recognizer struct {
	mu sync.Mutex

	// Decisions is consumed one entry per Accept call. When exhausted,
	// Accept returns engine.DecisionPending.
	Decisions []engine.Decision

	// AcceptErr, if non-nil, is returned by every Accept call.
	AcceptErr error

	// PartialQueue is consumed one entry per Partial call. When exhausted,
	// Partial returns PartialText.
	PartialQueue []string

	// PartialText is the sticky partial payload. Defaults to the vosk
	// empty sentinel when unset.
	PartialText string

	// ResultText is returned by Result.
	ResultText string

	// FinalText is returned by FinalResult.
	FinalText string

	// --- Call records ---

	// Accepted holds a copy of every chunk passed to Accept, in order.
	Accepted [][]byte

	// ResetCount is the number of Reset calls.
	ResetCount int

	// FinalCount is the number of FinalResult calls.
	FinalCount int

	// Alternatives is the last value passed to SetMaxAlternatives.
	Alternatives int

	// CloseCount is the number of Close calls.
	CloseCount int
}

// Accept records a copy of data and returns the next scripted decision.
func (r *Recognizer) Accept(data []byte) (engine.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.Accepted = append(r.Accepted, cp)
	if r.AcceptErr != nil {
		return engine.DecisionPending, r.AcceptErr
	}
	if len(r.Decisions) == 0 {
		return engine.DecisionPending, nil
	}
	d := r.Decisions[0]
	r.Decisions = r.Decisions[1:]
	return d, nil
}

// Partial returns the next scripted partial payload.
func (r *Recognizer) Partial() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.PartialQueue) > 0 {
		p := r.PartialQueue[0]
		r.PartialQueue = r.PartialQueue[1:]
		return p
	}
	if r.PartialText == "" {
		return `{"partial" : ""}`
	}
	return r.PartialText
}

// Result returns ResultText, or the vosk empty sentinel when unset.
func (r *Recognizer) Result() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ResultText == "" {
		return `{"text" : ""}`
	}
	return r.ResultText
}

// FinalResult records the call and returns FinalText, or the vosk empty
// sentinel when unset.
func (r *Recognizer) FinalResult() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FinalCount++
	if r.FinalText == "" {
		return `{"text" : ""}`
	}
	return r.FinalText
}

// Reset records the call.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResetCount++
}

// SetMaxAlternatives records n.
func (r *Recognizer) SetMaxAlternatives(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alternatives = n
}

// Close records the call.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CloseCount++
	return nil
}

// AcceptedBytes returns the concatenation of all accepted chunks, in order.
// Thread-safe.
func (r *Recognizer) AcceptedBytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []byte
	for _, c := range r.Accepted {
		out = append(out, c...)
	}
	return out
}

// AcceptCallCount returns the number of Accept calls. Thread-safe.
func (r *Recognizer) AcceptCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Accepted)
}

// Ensure Recognizer implements engine.Recognizer at compile time.
var _ engine.Recognizer = (*Recognizer)(nil)
