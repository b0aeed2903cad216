// Package synth talks to the external streaming speech-synthesis backend: it
// opens one duplex connection per text chunk and normalizes the backend's
// heterogeneous frame encodings into raw 16-bit little-endian PCM.
package synth

import (
	"encoding/base64"
	"encoding/json"
	"io"
)

// FrameKind tags the outcome of normalizing one inbound message.
type FrameKind int

const (
	// FrameNone marks a message carrying no usable payload. Malformed or
	// unrecognized messages decode to FrameNone and are dropped rather than
	// failing the stream.
	FrameNone FrameKind = iota
	// FrameAudio carries raw PCM bytes.
	FrameAudio
	// FrameProgress carries a "generated N seconds so far" signal.
	FrameProgress
)

// Frame is the normalized form of one inbound synthesis message.
type Frame struct {
	Kind    FrameKind
	PCM     []byte
	Seconds float64
}

// audioKeys is the priority list of JSON fields probed for base64 audio. The
// backend is not contractually stable about the field name, so the first
// non-empty string wins.
var audioKeys = []string{"audio", "data", "chunk", "audio_base64", "pcm"}

// progressKeys is the priority list of JSON fields probed for a progress
// signal, in seconds of audio generated so far.
var progressKeys = []string{"generated_seconds", "progress_seconds", "seconds"}

// DecodeText normalizes a JSON text message. Messages that do not parse, or
// parse but carry nothing recognizable, decode to FrameNone.
func DecodeText(data []byte) Frame {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{Kind: FrameNone}
	}

	for _, key := range audioKeys {
		encoded, ok := fields[key].(string)
		if !ok || encoded == "" {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			// A corrupt frame must not abort an otherwise-good run.
			return Frame{Kind: FrameNone}
		}
		return Frame{Kind: FrameAudio, PCM: pcm}
	}

	for _, key := range progressKeys {
		if seconds, ok := fields[key].(float64); ok {
			return Frame{Kind: FrameProgress, Seconds: seconds}
		}
	}

	return Frame{Kind: FrameNone}
}

// DecodeBinary normalizes a binary message: the bytes are raw little-endian
// 16-bit PCM samples already.
func DecodeBinary(data []byte) Frame {
	if len(data) == 0 {
		return Frame{Kind: FrameNone}
	}
	return Frame{Kind: FrameAudio, PCM: data}
}

// DecodeReader materializes a not-yet-read binary payload and normalizes it.
func DecodeReader(r io.Reader) Frame {
	data, err := io.ReadAll(r)
	if err != nil {
		return Frame{Kind: FrameNone}
	}
	return DecodeBinary(data)
}
