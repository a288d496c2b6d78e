// Package whisper adapts the whisper.cpp CGO bindings to the voskflow
// engine interfaces.
//
// whisper.cpp is not a streaming recognizer: it transcribes a complete
// utterance in one pass. The recognizer therefore buffers incoming PCM,
// tracks silence with an RMS energy gate, and only reports the end of an
// utterance once enough consecutive silence has accumulated (or the buffer
// hits its cap). Inference runs at that point, synchronously inside the
// Accept call that crossed the threshold.
//
// The whisper.cpp static library (libwhisper.a) and headers must be
// available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whisper

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voskflow/voskflow/pkg/engine"
)

const (
	// bitsPerSample is fixed at 16 for the signed little-endian PCM the
	// filter delivers.
	bitsPerSample = 16

	// rmsThreshold is the root-mean-square energy (in 16-bit PCM units)
	// below which a chunk counts as silence. 300 of a possible 32 767 is
	// near-silence.
	rmsThreshold = 300.0

	defaultLanguage            = "en"
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// emptyPartial and emptyResult mirror the payload shape the vosk
	// backend produces for silence so downstream consumers see a uniform
	// format regardless of engine.
	emptyPartial = `{"partial" : ""}`
	emptyResult  = `{"text" : ""}`
)

var _ engine.Engine = (*Engine)(nil)

// Engine loads whisper.cpp models from disk.
type Engine struct {
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription (e.g. "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithSilenceThresholdMs sets the consecutive-silence duration that closes
// an utterance. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.silenceThresholdMs = ms
		}
	}
}

// WithMaxBufferDurationMs sets the maximum buffered audio duration before a
// forced utterance end. Defaults to 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.maxBufferDurationMs = ms
		}
	}
}

// New creates a whisper.cpp engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LoadModel reads the ggml model file at path. Load time scales with model
// size and can reach tens of seconds for the large variants.
func (e *Engine) LoadModel(path string) (engine.Model, error) {
	m, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", path, errors.Join(engine.ErrInvalidModel, err))
	}
	return &model{lib: m, eng: e}, nil
}

var _ engine.Model = (*model)(nil)

type model struct {
	lib whisperlib.Model
	eng *Engine
}

func (m *model) NewRecognizer(sampleRate int) (engine.Recognizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("whisper: invalid sample rate %d", sampleRate)
	}
	bytesPerMs := sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	return &recognizer{
		model:          m,
		sampleRate:     sampleRate,
		bytesPerMs:     bytesPerMs,
		maxBufferBytes: m.eng.maxBufferDurationMs * bytesPerMs,
		result:         emptyResult,
	}, nil
}

func (m *model) Close() error {
	return m.lib.Close()
}

var _ engine.Recognizer = (*recognizer)(nil)

// recognizer buffers PCM until silence closes the utterance, then runs one
// whisper.cpp inference pass. Not safe for concurrent use.
type recognizer struct {
	model      *model
	sampleRate int
	bytesPerMs int

	buffer         []byte
	hadSpeech      bool
	silenceMs      int
	maxBufferBytes int

	// result holds the payload produced by the most recent inference.
	result string
	closed bool
}

func (r *recognizer) Accept(data []byte) (engine.Decision, error) {
	if r.closed {
		return engine.DecisionPending, errors.New("whisper: recognizer is closed")
	}
	if len(data) == 0 {
		return engine.DecisionPending, nil
	}

	chunkMs := len(data) * 1000 / (r.sampleRate * bitsPerSample / 8)

	if computeRMS(data) < rmsThreshold {
		if !r.hadSpeech {
			return engine.DecisionPending, nil
		}
		r.silenceMs += chunkMs
		r.buffer = append(r.buffer, data...)
		if r.silenceMs >= r.model.eng.silenceThresholdMs {
			return r.closeUtterance()
		}
		return engine.DecisionPending, nil
	}

	r.hadSpeech = true
	r.silenceMs = 0
	r.buffer = append(r.buffer, data...)
	if r.maxBufferBytes > 0 && len(r.buffer) >= r.maxBufferBytes {
		return r.closeUtterance()
	}
	return engine.DecisionPending, nil
}

func (r *recognizer) closeUtterance() (engine.Decision, error) {
	pcm := r.buffer
	r.buffer = nil
	r.hadSpeech = false
	r.silenceMs = 0

	text, err := r.infer(pcm)
	if err != nil {
		r.result = emptyResult
		return engine.DecisionPending, err
	}
	r.result = encodeResult(text)
	return engine.DecisionUtteranceEnd, nil
}

// Partial always returns the empty sentinel: whisper.cpp cannot produce a
// hypothesis mid-utterance without re-running inference over the whole
// buffer, which is far too slow for the audio path.
func (r *recognizer) Partial() string { return emptyPartial }

func (r *recognizer) Result() string { return r.result }

func (r *recognizer) FinalResult() string {
	if !r.hadSpeech || len(r.buffer) == 0 {
		r.Reset()
		return emptyResult
	}
	if _, err := r.closeUtterance(); err != nil {
		slog.Error("whisper inference failed during flush", "error", err)
		return emptyResult
	}
	return r.result
}

func (r *recognizer) Reset() {
	r.buffer = nil
	r.hadSpeech = false
	r.silenceMs = 0
	r.result = emptyResult
}

// SetMaxAlternatives is a no-op: the whisper.cpp bindings expose only the
// single best decoding.
func (r *recognizer) SetMaxAlternatives(_ int) {}

func (r *recognizer) Close() error {
	r.closed = true
	r.buffer = nil
	return nil
}

// infer converts the buffered PCM to float32, runs whisper.cpp with a fresh
// context, and returns the concatenated segment text. Contexts are not
// thread-safe but the shared model is.
func (r *recognizer) infer(pcm []byte) (string, error) {
	samples := pcmToFloat32(pcm)

	wctx, err := r.model.lib.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(r.model.eng.language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", r.model.eng.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// encodeResult wraps text in the same JSON shape the vosk backend emits.
func encodeResult(text string) string {
	if text == "" {
		return emptyResult
	}
	b, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		return emptyResult
	}
	return string(b)
}
