// Command voskflow runs the speech-recognition filter over a PCM or WAV
// stream and prints recognition results as JSON lines on stdout.
//
// Audio comes from a file or stdin. The stream passes through the filter
// unchanged (optionally copied to -out) while partial and final transcripts
// are emitted as they become available, exactly as they would be inside a
// live media pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voskflow/voskflow/internal/config"
	"github.com/voskflow/voskflow/internal/filter"
	"github.com/voskflow/voskflow/internal/health"
	"github.com/voskflow/voskflow/internal/observe"
	"github.com/voskflow/voskflow/pkg/engine"
	"github.com/voskflow/voskflow/pkg/engine/vosk"
	"github.com/voskflow/voskflow/pkg/engine/whisper"
	"github.com/voskflow/voskflow/pkg/pipeline"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional)")
	watch := flag.Bool("watch", false, "reload the config file on change and apply filter settings live")
	input := flag.String("input", "-", "audio input: a WAV/raw-PCM file path, or - for stdin")
	output := flag.String("out", "", "optional file receiving the pass-through audio")
	engineName := flag.String("engine", "vosk", "recognition backend: vosk or whisper")
	modelPath := flag.String("model", "", "model path (overrides the config file)")
	rate := flag.Int("rate", 0, "sample rate for raw PCM input (overrides the config file)")
	language := flag.String("language", "", "transcription language for the whisper backend")
	flag.Parse()

	// ── Configuration ─────────────────────────────────────────────────────
	cfg := &config.Config{}
	var watcher *config.Watcher
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voskflow: %v\n", err)
			return 1
		}
		cfg = loaded
	} else {
		cfg.Server.LogLevel = config.LogInfo
		cfg.Audio.SampleRate = config.DefaultSampleRate
		cfg.Audio.FrameDurationMs = config.DefaultFrameDurationMs
		cfg.Filter.ModelPath = config.DefaultModelPath
	}
	if *modelPath != "" {
		cfg.Filter.ModelPath = *modelPath
	}
	if *rate > 0 {
		cfg.Audio.SampleRate = *rate
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Engine ────────────────────────────────────────────────────────────
	var eng engine.Engine
	switch *engineName {
	case "vosk":
		eng = vosk.New()
	case "whisper":
		var opts []whisper.Option
		if *language != "" {
			opts = append(opts, whisper.WithLanguage(*language))
		}
		eng = whisper.New(opts...)
	default:
		fmt.Fprintf(os.Stderr, "voskflow: unknown engine %q (want vosk or whisper)\n", *engineName)
		return 1
	}

	// ── Audio input ───────────────────────────────────────────────────────
	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voskflow: %v\n", err)
			return 1
		}
		defer f.Close()
		in = f
	}
	audio, format, err := openAudio(in, audioFormat{SampleRate: cfg.Audio.SampleRate, Channels: 1})
	if err != nil {
		fmt.Fprintf(os.Stderr, "voskflow: %v\n", err)
		return 1
	}

	var sink pipeline.Downstream = discardSink{}
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voskflow: %v\n", err)
			return 1
		}
		defer f.Close()
		sink = &fileSink{w: f}
	}

	notifier := newJSONNotifier(os.Stdout)

	// ── Filter ────────────────────────────────────────────────────────────
	f := filter.New(eng, sink, notifier,
		filter.WithModelPath(cfg.Filter.ModelPath),
		filter.WithAlternatives(cfg.Filter.Alternatives),
		filter.WithPartialInterval(cfg.Filter.PartialInterval()),
		filter.WithMetrics(observe.DefaultMetrics()),
	)
	defer f.Close()

	if *watch && *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(_, next *config.Config) {
			f.SetModelPath(next.Filter.ModelPath)
			f.SetAlternatives(next.Filter.Alternatives)
			f.SetPartialInterval(next.Filter.PartialInterval())
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
	}

	slog.Info("voskflow starting",
		"engine", *engineName,
		"model_path", cfg.Filter.ModelPath,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
	)

	// ── Activation ────────────────────────────────────────────────────────
	switch f.Transition(pipeline.StageActivating) {
	case filter.TransitionFailure:
		slog.Error("activation failed", "model_path", cfg.Filter.ModelPath)
		return 1
	case filter.TransitionAsync:
		select {
		case <-notifier.ready:
		case err := <-notifier.failed:
			slog.Error("model load failed", "err", err)
			return 1
		case <-ctx.Done():
			return 1
		}
	}
	if f.Transition(pipeline.StageActive) == filter.TransitionFailure {
		slog.Error("activation failed")
		return 1
	}
	if err := f.FormatChanged(format.SampleRate); err != nil {
		slog.Error("unusable audio format", "err", err)
		return 1
	}

	// ── Stream ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux(f)}
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	frameDurMs := cfg.Audio.FrameDurationMs
	if frameDurMs <= 0 {
		frameDurMs = config.DefaultFrameDurationMs
	}
	g.Go(func() error {
		defer stop()
		return feed(gctx, f, audio, format, frameDurMs)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("done")
	return 0
}

// feed chops the audio stream into fixed-duration frames with synthetic
// timestamps and pushes them through the filter, flushing the recognizer
// at end of stream.
func feed(ctx context.Context, f *filter.Filter, audio io.Reader, format audioFormat, frameDurMs int) error {
	frameBytes := format.SampleRate * format.Channels * 2 * frameDurMs / 1000
	frameDur := time.Duration(frameDurMs) * time.Millisecond

	buf := make([]byte, frameBytes)
	var ts time.Duration

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(audio, buf)
		if n > 0 {
			pcm := downmixMono(buf[:n], format.Channels)
			frame := pipeline.Frame{
				Data:      append([]byte(nil), pcm...),
				Timestamp: ts,
				Duration:  frameDur,
			}
			ts += frameDur
			if err := f.HandleFrame(frame); err != nil {
				return fmt.Errorf("push frame: %w", err)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			f.EndOfStream()
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
	}
}

func metricsMux(f *filter.Filter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.New(health.FilterReady(f.Stage)).Register(mux)
	return mux
}

// ── Pipeline endpoints ────────────────────────────────────────────────────

// discardSink drops pass-through audio.
type discardSink struct{}

func (discardSink) PushFrame(_ pipeline.Frame) error { return nil }

// fileSink copies pass-through audio to a file.
type fileSink struct {
	w io.Writer
}

func (s *fileSink) PushFrame(fr pipeline.Frame) error {
	_, err := s.w.Write(fr.Data)
	return err
}

// jsonNotifier prints transcripts as JSON lines and exposes activation
// completion to the main goroutine. It never calls back into the filter.
type jsonNotifier struct {
	mu  sync.Mutex
	enc *json.Encoder

	ready     chan struct{}
	failed    chan error
	readyOnce sync.Once
}

func newJSONNotifier(w io.Writer) *jsonNotifier {
	return &jsonNotifier{
		enc:    json.NewEncoder(w),
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
	}
}

func (n *jsonNotifier) AsyncStart() {
	slog.Debug("model load started")
}

func (n *jsonNotifier) AsyncDone() {
	n.readyOnce.Do(func() { close(n.ready) })
}

func (n *jsonNotifier) ActivationFailed(err error) {
	select {
	case n.failed <- err:
	default:
	}
}

func (n *jsonNotifier) PostTranscript(t pipeline.Transcript) {
	line := struct {
		Final  bool            `json:"final"`
		TimeMs int64           `json:"time_ms"`
		Result json.RawMessage `json:"result"`
	}{
		Final:  t.Final,
		TimeMs: t.Timestamp.Milliseconds(),
		Result: json.RawMessage(t.Payload),
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.enc.Encode(line); err != nil {
		slog.Warn("failed to write transcript", "err", err)
	}
}

// ── Logger ────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
