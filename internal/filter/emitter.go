package filter

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/voskflow/voskflow/pkg/pipeline"
)

// resultPayload mirrors the JSON shapes libvosk produces: {"text": ...} for
// finals, {"partial": ...} for interim hypotheses, and {"alternatives":
// [{"text": ...}, ...]} when alternatives are enabled. Pointer fields
// distinguish an absent key from an empty string.
type resultPayload struct {
	Text         *string `json:"text"`
	Partial      *string `json:"partial"`
	Alternatives []struct {
		Text string `json:"text"`
	} `json:"alternatives"`
}

// emptyPayload reports whether payload is the engine's "nothing recognised"
// sentinel. Payloads that don't parse as a known shape are treated as
// non-empty so an unfamiliar engine payload is still delivered to the host.
func emptyPayload(payload string) bool {
	if payload == "" {
		return true
	}
	var p resultPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return false
	}
	if p.Partial != nil {
		return *p.Partial == ""
	}
	if p.Text != nil {
		return *p.Text == ""
	}
	if len(p.Alternatives) > 0 {
		for _, a := range p.Alternatives {
			if a.Text != "" {
				return false
			}
		}
		return true
	}
	return false
}

// emitFinalLocked reads the stable result for the utterance the engine just
// closed, resets the accumulated-audio accounting, and publishes the payload
// unless it is the empty sentinel. Must be called with f.mu held and
// f.rec non-nil.
func (f *Filter) emitFinalLocked(ts time.Duration) {
	payload := f.rec.Result()

	f.lastPartial = ""
	f.processed = 0

	if emptyPayload(payload) {
		return
	}
	f.postLocked(pipeline.Transcript{Payload: payload, Final: true, Timestamp: ts})
}

// emitPartialLocked publishes the engine's current hypothesis when it is
// non-empty, has changed since the previous publication, and the configured
// minimum interval (in frame-timestamp time) has elapsed. A negative
// interval disables partials entirely. Must be called with f.mu held and
// f.rec non-nil.
func (f *Filter) emitPartialLocked(ts time.Duration) {
	if f.partialInterval < 0 {
		return
	}

	payload := f.rec.Partial()
	if emptyPayload(payload) {
		return
	}
	if payload == f.lastPartial {
		return
	}
	if f.partialSeen && ts-f.lastPartialTS < f.partialInterval {
		return
	}

	f.lastPartial = payload
	f.lastPartialTS = ts
	f.partialSeen = true
	f.postLocked(pipeline.Transcript{Payload: payload, Final: false, Timestamp: ts})
}

// forceFinalLocked flushes the recognizer and returns the final payload for
// whatever audio it has consumed, or "" when there is no recognizer, no
// processed audio since the last final, or the engine reports the empty
// sentinel. It resets the processed-byte counter and the cached partial.
// Must be called with f.mu held.
func (f *Filter) forceFinalLocked() string {
	if f.rec == nil {
		slog.Debug("no recognizer for final result")
		return ""
	}
	if f.processed == 0 {
		// Nothing consumed since the last final; flushing would only
		// produce a spurious empty result.
		slog.Debug("no data processed since last final result")
		return ""
	}

	f.lastPartial = ""
	payload := f.rec.FinalResult()
	f.processed = 0

	if emptyPayload(payload) {
		return ""
	}
	return payload
}

// postLocked hands a transcript to the host notifier and records it.
// The notifier contract forbids calling back into the filter, so posting
// with f.mu held cannot deadlock.
func (f *Filter) postLocked(t pipeline.Transcript) {
	if f.metrics != nil {
		f.metrics.RecordTranscript(context.Background(), t.Final)
	}
	f.notifier.PostTranscript(t)
}
