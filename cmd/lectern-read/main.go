// lectern-read speaks a text file through the live read-aloud pipeline:
// segment, stream from the synthesis backend, and pace the PCM out in real
// time. Raw 24kHz mono s16le audio goes to stdout or -out, ready for
// `lectern-read -file ch1.txt | aplay -f S16_LE -r 24000 -c 1`.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/lecternlabs/lectern/internal/config"
	"github.com/lecternlabs/lectern/internal/playback"
	"github.com/lecternlabs/lectern/internal/sequence"
	"github.com/lecternlabs/lectern/internal/synth"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		filePath    string
		voice       string
		outPath     string
		baseKey     string
		offset      int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&filePath, "file", "", "Text file to read aloud")
	flag.StringVar(&voice, "voice", "", "Voice identifier (defaults to the configured voice)")
	flag.StringVar(&outPath, "out", "-", "PCM output: a file path or - for stdout")
	flag.StringVar(&baseKey, "key", "", "Progress key for this source (defaults to the file name)")
	flag.IntVar(&offset, "offset", 0, "Rune offset of the text within its chapter")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// Stdout carries audio; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if filePath == "" {
		logger.Error("missing required -file flag")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	text, err := os.ReadFile(filePath)
	if err != nil {
		logger.Error("failed to read input file", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if baseKey == "" {
		baseKey = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}

	sink, closeSink, err := openSink(outPath)
	if err != nil {
		logger.Error("failed to open output", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeSink()

	streamer := synth.NewClient(cfg.Synthesis, logger)
	engine := playback.NewEngine(streamer, cfg.Playback, sink, logger)
	orch := sequence.New(engine, cfg.Synthesis.LiveChunkChars, logger)

	done := make(chan error, 1)
	orch.OnState(func(st playback.State) {
		switch {
		case st.Status == playback.StatusError:
			select {
			case done <- fmt.Errorf("%s", st.Err):
			default:
			}
		case st.Finished:
			logger.Info("chunk finished",
				slog.String("key", st.PageKey),
				slog.Float64("played_seconds", st.PlaybackSeconds))
			// The orchestrator starts the next chunk before this
			// notification lands; still idle means the plan drained.
			if orch.State().Status == playback.StatusIdle {
				select {
				case done <- nil:
				default:
				}
			}
		}
	})

	if err := orch.Speak(sequence.Request{
		Kind:        sequence.SourcePage,
		BaseKey:     baseKey,
		Text:        string(text),
		Voice:       voice,
		StartOffset: offset,
	}); err != nil {
		logger.Error("nothing to speak", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		orch.Stop()
		logger.Info("interrupted")
	case err := <-done:
		if err != nil {
			logger.Error("read-aloud failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("read-aloud complete")
	}
}

func openSink(path string) (io.Writer, func(), error) {
	if path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
