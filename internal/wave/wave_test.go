package wave

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"

	"github.com/lecternlabs/lectern/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sinePCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		// Simple ramp; the values are irrelevant, only the count matters.
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(i%2000-1000)))
	}
	return pcm
}

func TestWriteContainerHeaderMatchesSampleCount(t *testing.T) {
	const samples = 4800 // 200ms at 24kHz
	path := filepath.Join(t.TempDir(), "out.wav")
	if err := WriteContainer(path, sinePCM(samples)); err != nil {
		t.Fatalf("write container: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read container: %v", err)
	}
	if len(raw) != 44+samples*2 {
		t.Fatalf("expected 44-byte header plus %d data bytes, got %d total", samples*2, len(raw))
	}
	// data sub-chunk size sits at bytes 40..44 of the canonical header.
	if got := binary.LittleEndian.Uint32(raw[40:44]); got != uint32(samples*2) {
		t.Fatalf("header declares %d data bytes, expected %d", got, samples*2)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if dec.SampleRate != SampleRate || dec.NumChans != Channels || dec.BitDepth != BitDepth {
		t.Fatalf("unexpected format: %d Hz, %d ch, %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode samples: %v", err)
	}
	if len(buf.Data) != samples {
		t.Fatalf("expected %d samples back, got %d", samples, len(buf.Data))
	}
}

func TestWriteContainerRejectsUnalignedPCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	if err := WriteContainer(path, []byte{0x01}); err == nil {
		t.Fatal("expected error for odd byte count")
	}
}

func TestAssembleSuccessRemovesIntermediate(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "chapter_001.mp3")

	enc, err := NewEncoder(config.EncoderConfig{Command: "cp {input} {output}", TimeoutSeconds: 10}, newTestLogger())
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	if err := enc.Assemble(context.Background(), sinePCM(2400), out); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output file: %v", err)
	}
	if _, err := os.Stat(IntermediatePath(out)); !os.IsNotExist(err) {
		t.Fatal("expected intermediate container to be removed on success")
	}
}

func TestAssembleFailureRetainsIntermediate(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "chapter_001.mp3")

	enc, err := NewEncoder(config.EncoderConfig{Command: "false {input} {output}", TimeoutSeconds: 10}, newTestLogger())
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	err = enc.Assemble(context.Background(), sinePCM(2400), out)
	if !errors.Is(err, ErrEncodeFailed) {
		t.Fatalf("expected ErrEncodeFailed, got %v", err)
	}
	if _, statErr := os.Stat(IntermediatePath(out)); statErr != nil {
		t.Fatalf("expected intermediate container retained for diagnosis: %v", statErr)
	}
}

func TestEncoderCommandSubstitution(t *testing.T) {
	enc, err := NewEncoder(config.EncoderConfig{Command: "ffmpeg -y -i {input} -q 4 {output}", TimeoutSeconds: 10}, newTestLogger())
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	argv := enc.command("/tmp/a.wav", "/tmp/a.mp3")
	want := []string{"ffmpeg", "-y", "-i", "/tmp/a.wav", "-q", "4", "/tmp/a.mp3"}
	if len(argv) != len(want) {
		t.Fatalf("argv length %d, want %d", len(argv), len(want))
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestEncoderAppendsPathsWithoutPlaceholders(t *testing.T) {
	enc, err := NewEncoder(config.EncoderConfig{Command: "transcode --fast", TimeoutSeconds: 10}, newTestLogger())
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	argv := enc.command("in.wav", "out.mp3")
	if argv[len(argv)-2] != "in.wav" || argv[len(argv)-1] != "out.mp3" {
		t.Fatalf("expected paths appended, got %v", argv)
	}
}
