package filter_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/voskflow/voskflow/internal/filter"
	"github.com/voskflow/voskflow/pkg/engine"
	"github.com/voskflow/voskflow/pkg/engine/mock"
	"github.com/voskflow/voskflow/pkg/pipeline"
)

// TestScenario_StreamAcrossSlowModelLoad drives the filter the way a host
// pipeline would: the model path is set before activation, audio starts
// flowing while the load is still in progress, and the stream ends with a
// forced final result. Two seconds of 16 kHz mono audio: one second of
// silence while the model loads, then one second of speech.
func TestScenario_StreamAcrossSlowModelLoad(t *testing.T) {
	rec := &mock.Recognizer{
		Decisions: func() []engine.Decision {
			// Utterance closes on the 15th chunk fed to the engine.
			d := make([]engine.Decision, 20)
			d[14] = engine.DecisionUtteranceEnd
			return d
		}(),
		ResultText: `{"text" : "hello"}`,
		FinalText:  `{"text" : "world"}`,
	}
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
	if notif.startCount() != 1 {
		t.Fatalf("AsyncStart calls = %d, want 1", notif.startCount())
	}

	// First second of audio arrives while the model is still loading.
	var delivered []byte
	push := func(i int) {
		fr := testFrame(i, time.Duration(i)*frameDur)
		delivered = append(delivered, fr.Data...)
		if err := f.HandleFrame(fr); err != nil {
			t.Fatalf("HandleFrame %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		push(i)
	}

	close(eng.Gate)
	waitDone(t, notif)

	// Second second of audio arrives live; the backlog drains ahead of it.
	for i := 10; i < 20; i++ {
		push(i)
	}
	f.EndOfStream()

	// Every byte was forwarded downstream unchanged, in order.
	sink.mu.Lock()
	var forwarded []byte
	for _, fr := range sink.frames {
		forwarded = append(forwarded, fr.Data...)
	}
	sink.mu.Unlock()
	if !bytes.Equal(forwarded, delivered) {
		t.Errorf("forwarded %d bytes, delivered %d; pass-through must be lossless and ordered",
			len(forwarded), len(delivered))
	}

	// The engine saw every byte too, in order.
	if got := rec.AcceptedBytes(); !bytes.Equal(got, delivered) {
		t.Errorf("engine consumed %d bytes, want %d in delivery order", len(got), len(delivered))
	}

	// One final closed the utterance mid-stream, one flushed at EOS.
	finals := notif.finals()
	if len(finals) != 2 {
		t.Fatalf("finals = %d, want 2", len(finals))
	}
	if finals[0].Payload != `{"text" : "hello"}` {
		t.Errorf("utterance final = %q", finals[0].Payload)
	}
	if finals[1].Payload != `{"text" : "world"}` {
		t.Errorf("end-of-stream final = %q", finals[1].Payload)
	}
}
