package wave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/lecternlabs/lectern/internal/config"
)

// ErrEncodeFailed wraps any failure of the external encoder process.
var ErrEncodeFailed = errors.New("failed to encode audio")

// Encoder runs the configured external transcoder command. The command string
// is parsed shell-style once at construction; {input} and {output} are
// substituted per invocation, or appended when no placeholders are present.
type Encoder struct {
	argv    []string
	timeout time.Duration
	log     *slog.Logger
}

func NewEncoder(cfg config.EncoderConfig, log *slog.Logger) (*Encoder, error) {
	parser := shellwords.NewParser()
	argv, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse encoder command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("encoder command empty")
	}
	return &Encoder{
		argv:    argv,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		log:     log.With(slog.String("component", "encoder")),
	}, nil
}

func (e *Encoder) command(input, output string) []string {
	argv := make([]string, 0, len(e.argv)+2)
	substituted := false
	for _, arg := range e.argv {
		if strings.Contains(arg, "{input}") || strings.Contains(arg, "{output}") {
			substituted = true
		}
		arg = strings.ReplaceAll(arg, "{input}", input)
		arg = strings.ReplaceAll(arg, "{output}", output)
		argv = append(argv, arg)
	}
	if !substituted {
		argv = append(argv, input, output)
	}
	return argv
}

// Encode transcodes the WAV file at input into the compressed file at output.
func (e *Encoder) Encode(ctx context.Context, input, output string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	argv := e.command(input, output)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrEncodeFailed, err, bytes.TrimSpace(out))
	}
	return nil
}

// Assemble wraps pcm in a WAV container next to outPath and transcodes it into
// outPath. On success the intermediate WAV is removed; on encoder failure it
// is retained for diagnosis and rewritten by the next successful run.
func (e *Encoder) Assemble(ctx context.Context, pcm []byte, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	intermediate := IntermediatePath(outPath)
	if err := WriteContainer(intermediate, pcm); err != nil {
		return err
	}

	if err := e.Encode(ctx, intermediate, outPath); err != nil {
		e.log.Warn("encode failed, retaining intermediate container",
			slog.String("intermediate", intermediate),
			slog.String("error", err.Error()))
		return err
	}

	if err := os.Remove(intermediate); err != nil {
		e.log.Warn("failed to remove intermediate container",
			slog.String("intermediate", intermediate),
			slog.String("error", err.Error()))
	}
	return nil
}

// IntermediatePath derives the uncompressed container path for a final output
// path.
func IntermediatePath(outPath string) string {
	return strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".wav"
}
