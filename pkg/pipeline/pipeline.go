// Package pipeline defines the types and interfaces through which a host
// pipeline drives a voskflow filter and receives its output.
//
// The two primary abstractions are:
//
//   - [Downstream] — the pass-through sink for audio frames. Every frame
//     delivered to a filter is forwarded here unmodified, whether or not
//     recognition succeeded.
//   - [Notifier] — the one-way notification surface for transcription
//     events, asynchronous-activation signalling, and fatal errors.
//
// This package lives under pkg/ because host integrations (media pipelines,
// capture loops, test harnesses) are expected to implement both interfaces.
package pipeline

import "time"

// Frame is a single chunk of raw 16-bit little-endian signed mono PCM audio
// flowing through the filter.
//
// Ownership: the host produces a Frame and must not mutate Data after
// delivery; the filter references the payload while it is queued and releases
// it once consumed or forwarded.
type Frame struct {
	// Data is the raw PCM payload.
	Data []byte

	// Timestamp is the presentation time of the first sample, relative to
	// stream start.
	Timestamp time.Duration

	// Duration is the play-out length of the payload.
	Duration time.Duration
}

// Transcript is a recognition event published by the filter. Payload carries
// the engine's raw structured JSON unchanged; callers that only need the
// plain text can decode the "text" (final) or "partial" (interim) field.
type Transcript struct {
	// Payload is the engine's JSON result, verbatim.
	Payload string

	// Final indicates a stable result for a completed utterance segment.
	// Non-final transcripts are unstable hypotheses that later events may
	// contradict.
	Final bool

	// Timestamp is the presentation time of the frame that produced this
	// result.
	Timestamp time.Duration
}

// Downstream receives the unmodified pass-through copy of every frame
// delivered to the filter. Implementations must not block for long periods;
// the filter calls PushFrame on the data-delivery goroutine.
type Downstream interface {
	// PushFrame forwards one frame. An error propagates to the caller of
	// the filter's frame-delivery entry point but never affects recognition
	// state.
	PushFrame(f Frame) error
}

// Notifier is the one-way notification surface from filter to host.
//
// All methods may be invoked from the data-delivery goroutine or from the
// filter's internal loader goroutine; implementations must be safe for
// concurrent use and must not call back into the filter.
type Notifier interface {
	// AsyncStart signals that an activation cannot complete synchronously
	// because a model load is in progress.
	AsyncStart()

	// AsyncDone signals that a previously announced asynchronous activation
	// has completed and the filter is ready.
	AsyncDone()

	// ActivationFailed reports a fatal resource error: the model could not
	// be loaded and the filter has reverted to idle.
	ActivationFailed(err error)

	// PostTranscript publishes a partial or final recognition result.
	PostTranscript(t Transcript)
}

// Stage is the filter's coarse activation state, independent of the audio
// format.
type Stage int

const (
	// StageIdle means no engine is wanted; frames are not expected.
	StageIdle Stage = iota

	// StageActivating means a model load is in flight; frames are queued.
	StageActivating

	// StageActive means the filter is processing frames.
	StageActive
)

// String returns the human-readable name of the stage.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageActivating:
		return "activating"
	case StageActive:
		return "active"
	default:
		return "unknown"
	}
}
