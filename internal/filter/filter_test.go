package filter_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voskflow/voskflow/internal/filter"
	"github.com/voskflow/voskflow/pkg/engine"
	"github.com/voskflow/voskflow/pkg/engine/mock"
	"github.com/voskflow/voskflow/pkg/pipeline"
)

// Frame sizes assume 16 kHz 16-bit mono: one second is 32 000 bytes, so the
// filter queries the engine once at least 3 200 bytes (100 ms) are consumed.
const (
	testRate   = 16000
	frameBytes = 3200
	frameDur   = 100 * time.Millisecond
)

var errMock = errors.New("mock failure")

func testFrame(i int, ts time.Duration) pipeline.Frame {
	data := bytes.Repeat([]byte{byte(i + 1)}, frameBytes)
	return pipeline.Frame{Data: data, Timestamp: ts, Duration: frameDur}
}

// recordSink records forwarded frames.
type recordSink struct {
	mu     sync.Mutex
	frames []pipeline.Frame
	err    error
}

func (s *recordSink) PushFrame(fr pipeline.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, fr)
	return s.err
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// recordNotifier records host notifications and signals async completion.
type recordNotifier struct {
	mu          sync.Mutex
	starts      int
	transcripts []pipeline.Transcript

	done   chan struct{}
	failed chan error
}

func newRecordNotifier() *recordNotifier {
	return &recordNotifier{
		done:   make(chan struct{}, 4),
		failed: make(chan error, 4),
	}
}

func (n *recordNotifier) AsyncStart() {
	n.mu.Lock()
	n.starts++
	n.mu.Unlock()
}

func (n *recordNotifier) AsyncDone() {
	n.done <- struct{}{}
}

func (n *recordNotifier) ActivationFailed(err error) {
	n.failed <- err
}

func (n *recordNotifier) PostTranscript(t pipeline.Transcript) {
	n.mu.Lock()
	n.transcripts = append(n.transcripts, t)
	n.mu.Unlock()
}

func (n *recordNotifier) startCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.starts
}

func (n *recordNotifier) posted() []pipeline.Transcript {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pipeline.Transcript(nil), n.transcripts...)
}

func (n *recordNotifier) finals() []pipeline.Transcript {
	var out []pipeline.Transcript
	for _, t := range n.posted() {
		if t.Final {
			out = append(out, t)
		}
	}
	return out
}

func (n *recordNotifier) partials() []pipeline.Transcript {
	var out []pipeline.Transcript
	for _, t := range n.posted() {
		if !t.Final {
			out = append(out, t)
		}
	}
	return out
}

func waitDone(t *testing.T, n *recordNotifier) {
	t.Helper()
	select {
	case <-n.done:
	case err := <-n.failed:
		t.Fatalf("activation failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async activation")
	}
}

// activate drives the filter through the asynchronous activation and waits
// for the model install.
func activate(t *testing.T, f *filter.Filter, n *recordNotifier) {
	t.Helper()
	if got := f.Transition(pipeline.StageActivating); got != filter.TransitionAsync {
		t.Fatalf("Transition(activating) = %v, want async", got)
	}
	waitDone(t, n)
	if got := f.Stage(); got != pipeline.StageActive {
		t.Fatalf("stage after install = %v, want active", got)
	}
}

// newActiveFilter returns a filter with a model installed and a recognizer
// bound at testRate, using rec as the scripted engine instance.
func newActiveFilter(t *testing.T, rec *mock.Recognizer, opts ...filter.Option) (*filter.Filter, *recordSink, *recordNotifier) {
	t.Helper()
	eng := &mock.Engine{}
	eng.SetModel("/models/en", &mock.Model{Rec: rec})

	sink := &recordSink{}
	notif := newRecordNotifier()
	opts = append([]filter.Option{filter.WithModelPath("/models/en")}, opts...)
	f := filter.New(eng, sink, notif, opts...)
	t.Cleanup(func() { f.Close() })

	if err := f.FormatChanged(testRate); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}
	activate(t, f, notif)
	return f, sink, notif
}

// ── Activation ────────────────────────────────────────────────────────────────

func TestActivation_AsyncInstall(t *testing.T) {
	rec := &mock.Recognizer{}
	f, _, notif := newActiveFilter(t, rec)

	if notif.startCount() != 1 {
		t.Errorf("AsyncStart calls = %d, want 1", notif.startCount())
	}
	// A second activation finds the model already installed.
	if got := f.Transition(pipeline.StageActivating); got != filter.TransitionSuccess {
		t.Errorf("re-activation = %v, want success", got)
	}
}

func TestActivation_EmptyPathRefused(t *testing.T) {
	f := filter.New(&mock.Engine{}, &recordSink{}, newRecordNotifier(), filter.WithModelPath(""))
	defer f.Close()

	if got := f.Transition(pipeline.StageActivating); got != filter.TransitionFailure {
		t.Errorf("Transition(activating) = %v, want failure", got)
	}
}

func TestActivation_LoadFailureRevertsToIdle(t *testing.T) {
	eng := &mock.Engine{} // no model registered: every load fails
	notif := newRecordNotifier()
	f := filter.New(eng, &recordSink{}, notif, filter.WithModelPath("/missing"))
	defer f.Close()

	if got := f.Transition(pipeline.StageActivating); got != filter.TransitionAsync {
		t.Fatalf("Transition(activating) = %v, want async", got)
	}

	select {
	case err := <-notif.failed:
		if !errors.Is(err, engine.ErrInvalidModel) {
			t.Errorf("failure error = %v, want wrapped ErrInvalidModel", err)
		}
	case <-notif.done:
		t.Fatal("activation succeeded, want failure")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activation failure")
	}

	if got := f.Stage(); got != pipeline.StageIdle {
		t.Errorf("stage after failed load = %v, want idle", got)
	}
}

func TestActive_FromIdleRefused(t *testing.T) {
	f := filter.New(&mock.Engine{}, &recordSink{}, newRecordNotifier())
	defer f.Close()

	if got := f.Transition(pipeline.StageActive); got != filter.TransitionFailure {
		t.Errorf("Transition(active) from idle = %v, want failure", got)
	}
}

// ── Frame buffering during load ───────────────────────────────────────────────

func TestFramesBufferedDuringLoadAreRecognizedInOrder(t *testing.T) {
	rec := &mock.Recognizer{}
	eng := &mock.Engine{Gate: make(chan struct{})}
	eng.SetModel("/models/en", &mock.Model{Rec: rec})

	sink := &recordSink{}
	notif := newRecordNotifier()
	f := filter.New(eng, sink, notif, filter.WithModelPath("/models/en"))
	defer f.Close()

	if err := f.FormatChanged(testRate); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}
	if got := f.Transition(pipeline.StageActivating); got != filter.TransitionAsync {
		t.Fatalf("Transition(activating) = %v, want async", got)
	}

	// Frames arriving mid-load are queued for recognition but still flow
	// downstream immediately.
	var want []byte
	for i := 0; i < 3; i++ {
		fr := testFrame(i, time.Duration(i)*frameDur)
		want = append(want, fr.Data...)
		if err := f.HandleFrame(fr); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
	}
	if sink.count() != 3 {
		t.Fatalf("frames forwarded during load = %d, want 3", sink.count())
	}
	if rec.AcceptCallCount() != 0 {
		t.Fatalf("engine fed during load: %d chunks", rec.AcceptCallCount())
	}

	close(eng.Gate)
	waitDone(t, notif)

	// The next delivery works off the backlog ahead of the new frame.
	fr := testFrame(3, 3*frameDur)
	want = append(want, fr.Data...)
	if err := f.HandleFrame(fr); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	if got := rec.AcceptedBytes(); !bytes.Equal(got, want) {
		t.Errorf("recognized bytes out of order: got %d bytes, want %d", len(got), len(want))
	}
	if sink.count() != 4 {
		t.Errorf("frames forwarded = %d, want 4", sink.count())
	}
}

// ── Model path changes ────────────────────────────────────────────────────────

func TestSetModelPath_SupersedesInFlightLoad(t *testing.T) {
	recA := &mock.Recognizer{}
	recB := &mock.Recognizer{}
	modelA := &mock.Model{Rec: recA}
	modelB := &mock.Model{Rec: recB}

	eng := &mock.Engine{Gate: make(chan struct{}), Started: make(chan string)}
	eng.SetModel("/models/a", modelA)
	eng.SetModel("/models/b", modelB)

	sink := &recordSink{}
	notif := newRecordNotifier()
	f := filter.New(eng, sink, notif, filter.WithModelPath("/models/a"))
	defer f.Close()

	if err := f.FormatChanged(testRate); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}
	if got := f.Transition(pipeline.StageActivating); got != filter.TransitionAsync {
		t.Fatalf("Transition(activating) = %v, want async", got)
	}

	// Wait until construction of A is underway, then change the path.
	if got := <-eng.Started; got != "/models/a" {
		t.Fatalf("first load = %q, want /models/a", got)
	}
	f.SetModelPath("/models/b")

	close(eng.Gate)
	if got := <-eng.Started; got != "/models/b" {
		t.Fatalf("second load = %q, want /models/b", got)
	}
	waitDone(t, notif)

	if !modelA.Closed() {
		t.Error("superseded model was not destroyed")
	}
	if modelB.Closed() {
		t.Error("installed model was destroyed")
	}

	if err := f.HandleFrame(testFrame(0, 0)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if recA.AcceptCallCount() != 0 {
		t.Errorf("superseded model's recognizer was fed %d chunks", recA.AcceptCallCount())
	}
	if recB.AcceptCallCount() != 1 {
		t.Errorf("installed model's recognizer fed %d chunks, want 1", recB.AcceptCallCount())
	}
	if got := eng.LoadCallCount(); got != 2 {
		t.Errorf("LoadModel calls = %d, want 2", got)
	}
}

func TestSetModelPath_SamePathIsNoop(t *testing.T) {
	rec := &mock.Recognizer{}
	eng := &mock.Engine{}
	eng.SetModel("/models/en", &mock.Model{Rec: rec})

	notif := newRecordNotifier()
	f := filter.New(eng, &recordSink{}, notif, filter.WithModelPath("/models/en"))
	defer f.Close()
	activate(t, f, notif)

	f.SetModelPath("/models/en")
	time.Sleep(50 * time.Millisecond)
	if got := eng.LoadCallCount(); got != 1 {
		t.Errorf("LoadModel calls = %d, want 1", got)
	}
}

func TestSetModelPath_EmptyTearsDown(t *testing.T) {
	rec := &mock.Recognizer{}
	f, sink, _ := newActiveFilter(t, rec)

	f.SetModelPath("")
	if got := f.Stage(); got != pipeline.StageIdle {
		t.Errorf("stage after empty path = %v, want idle", got)
	}
	if rec.CloseCount == 0 {
		t.Error("recognizer was not closed")
	}

	// Frames keep flowing downstream without recognition.
	if err := f.HandleFrame(testFrame(0, 0)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("frames forwarded = %d, want 1", sink.count())
	}
	if rec.AcceptCallCount() != 0 {
		t.Errorf("torn-down recognizer fed %d chunks", rec.AcceptCallCount())
	}
}

func TestSetModelPath_ReloadsWhileActive(t *testing.T) {
	recA := &mock.Recognizer{}
	recB := &mock.Recognizer{}
	modelA := &mock.Model{Rec: recA}
	modelB := &mock.Model{Rec: recB}

	eng := &mock.Engine{}
	eng.SetModel("/models/a", modelA)
	eng.SetModel("/models/b", modelB)

	notif := newRecordNotifier()
	f := filter.New(eng, &recordSink{}, notif, filter.WithModelPath("/models/a"))
	defer f.Close()
	if err := f.FormatChanged(testRate); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}
	activate(t, f, notif)

	f.SetModelPath("/models/b")
	// The filter is already active, so no AsyncDone follows the swap; poll
	// for the new recognizer instead.
	deadline := time.Now().Add(2 * time.Second)
	for recB.AcceptCallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recognizer for the new model never became live")
		}
		if err := f.HandleFrame(testFrame(0, 0)); err != nil {
			t.Fatalf("HandleFrame: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !modelA.Closed() {
		t.Error("previous model was not destroyed")
	}
}

// ── Format changes ────────────────────────────────────────────────────────────

func TestFormatChanged_InvalidRate(t *testing.T) {
	f := filter.New(&mock.Engine{}, &recordSink{}, newRecordNotifier())
	defer f.Close()

	if err := f.FormatChanged(0); err == nil {
		t.Error("FormatChanged(0) = nil, want error")
	}
	if err := f.FormatChanged(-8000); err == nil {
		t.Error("FormatChanged(-8000) = nil, want error")
	}
}

func TestFormatChanged_SameRateKeepsRecognizer(t *testing.T) {
	rec := &mock.Recognizer{}
	eng := &mock.Engine{}
	model := &mock.Model{Rec: rec}
	eng.SetModel("/models/en", model)

	notif := newRecordNotifier()
	f := filter.New(eng, &recordSink{}, notif, filter.WithModelPath("/models/en"))
	defer f.Close()
	if err := f.FormatChanged(testRate); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}
	activate(t, f, notif)

	if err := f.FormatChanged(testRate); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}
	if got := len(model.RecognizerRates); got != 1 {
		t.Errorf("NewRecognizer calls = %d, want 1", got)
	}
	if rec.CloseCount != 0 {
		t.Errorf("recognizer closed %d times, want 0", rec.CloseCount)
	}
}

func TestFormatChanged_NewRateRebindsAndFlushes(t *testing.T) {
	rec := &mock.Recognizer{FinalText: `{"text" : "cut short"}`}
	eng := &mock.Engine{}
	model := &mock.Model{Rec: rec}
	eng.SetModel("/models/en", model)

	notif := newRecordNotifier()
	f := filter.New(eng, &recordSink{}, notif, filter.WithModelPath("/models/en"))
	defer f.Close()
	if err := f.FormatChanged(testRate); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}
	activate(t, f, notif)

	// Mid-utterance audio, then a rate change.
	if err := f.HandleFrame(testFrame(0, 0)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if err := f.FormatChanged(8000); err != nil {
		t.Fatalf("FormatChanged: %v", err)
	}

	finals := notif.finals()
	if len(finals) != 1 {
		t.Fatalf("finals after rate change = %d, want 1", len(finals))
	}
	if finals[0].Payload != `{"text" : "cut short"}` {
		t.Errorf("flushed final = %q", finals[0].Payload)
	}
	if rec.CloseCount == 0 {
		t.Error("old-rate recognizer was not closed")
	}
}
