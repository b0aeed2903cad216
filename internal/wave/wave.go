// Package wave assembles streamed raw samples into a durable audio file: the
// concatenated PCM is wrapped in a standard 44-byte WAV container, then an
// external command-line encoder transcodes it into the distributable
// compressed format.
package wave

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Fixed output format: everything the synthesis backend produces is 24 kHz
// mono 16-bit little-endian PCM.
const (
	SampleRate = 24000
	Channels   = 1
	BitDepth   = 16
)

// WriteContainer writes pcm (s16le samples) into a WAV container at path. The
// header declares exactly len(pcm) bytes of sample data.
func WriteContainer(path string, pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm length %d is not sample-aligned", len(pcm))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create container file: %w", err)
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	enc := wav.NewEncoder(f, SampleRate, BitDepth, Channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
		Data:           samples,
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("write container samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize container header: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close container file: %w", err)
	}
	return nil
}
