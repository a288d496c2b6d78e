// Package engine defines the opaque speech-recognition capability consumed
// by the voskflow filter.
//
// An engine is split in two: a [Model] is the large, slow-to-load artifact
// read from disk, and a [Recognizer] is a live instance bound to a specific
// sample rate that accepts audio and yields results. The split matters for
// the filter's concurrency model — model construction is unbounded in
// duration and happens off the data path, while recognizer construction on
// an already-loaded model is cheap and may happen under the filter lock.
//
// Recognizer instances are NOT required to be safe for concurrent use; the
// filter serialises all access to a single instance. Models may be shared.
package engine

import "errors"

// ErrInvalidModel is returned by [Engine.LoadModel] when the path does not
// contain a usable model. Implementations should wrap it so callers can
// test with errors.Is.
var ErrInvalidModel = errors.New("engine: invalid model")

// Decision is the outcome of feeding one chunk of audio to a [Recognizer].
type Decision int

const (
	// DecisionPending means the current utterance continues; a partial
	// hypothesis may be available via [Recognizer.Partial].
	DecisionPending Decision = iota

	// DecisionUtteranceEnd means the engine detected the end of an
	// utterance; a stable result is available via [Recognizer.Result].
	DecisionUtteranceEnd
)

// Engine is the entry point to a recognition backend.
type Engine interface {
	// LoadModel reads the model at path. Construction time is unbounded —
	// seconds for large models — so callers must never invoke it while
	// holding latency-sensitive locks. Returns an error wrapping
	// [ErrInvalidModel] when the path is not a usable model.
	LoadModel(path string) (Model, error)
}

// Model is a loaded recognition model. It is immutable and may back any
// number of recognizers, each privately owned by its creator.
type Model interface {
	// NewRecognizer creates a recognizer bound to the given sample rate
	// in Hz. Cheap relative to LoadModel.
	NewRecognizer(sampleRate int) (Recognizer, error)

	// Close releases the model. No recognizer created from it may be used
	// afterwards.
	Close() error
}

// Recognizer is a live engine instance accepting 16-bit little-endian
// signed mono PCM. Not safe for concurrent use.
type Recognizer interface {
	// Accept feeds one chunk of audio. A [DecisionUtteranceEnd] return
	// means Result holds a stable transcript for the segment just closed.
	Accept(data []byte) (Decision, error)

	// Partial returns the engine's current unstable hypothesis as raw
	// structured JSON. May be the engine's empty sentinel.
	Partial() string

	// Result returns the stable transcript for the utterance the engine
	// just closed. Valid after Accept returned [DecisionUtteranceEnd].
	Result() string

	// FinalResult forces the engine to flush buffered audio and return a
	// stable transcript for whatever it has seen, ending the current
	// utterance.
	FinalResult() string

	// Reset discards all buffered audio and the current hypothesis without
	// destroying the instance.
	Reset()

	// SetMaxAlternatives configures how many alternative transcriptions
	// the result payloads carry. Zero means a single best result.
	SetMaxAlternatives(n int)

	// Close releases the instance.
	Close() error
}
