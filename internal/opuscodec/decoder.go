// Package opuscodec turns base64-encoded Opus packets into mono float32 PCM
// at the ASR's sample rate. Each participant owns one Session because the
// Opus decoder carries frame history across packets.
package opuscodec

import (
	"encoding/base64"
	"fmt"

	opus "gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the decode rate; matches what the ASR consumes.
	SampleRate = 16000
	channels   = 1

	// An Opus packet carries at most 120 ms of audio.
	maxFrameSamples = SampleRate * 120 / 1000
)

// DecodeError wraps a single-packet decode failure. The room drops the
// offending packet and keeps the utterance alive.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("opus decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("opus decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Session is a stateful per-participant Opus decoder.
type Session struct {
	dec *opus.Decoder
}

// NewSession creates a fresh decoder session.
func NewSession() (*Session, error) {
	dec, err := opus.NewDecoder(SampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &Session{dec: dec}, nil
}

// Decode converts one base64-encoded Opus packet into PCM samples.
func (s *Session) Decode(b64 string) ([]float32, error) {
	packet, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 payload", Err: err}
	}
	if len(packet) == 0 {
		return nil, &DecodeError{Reason: "empty packet"}
	}

	pcm := make([]float32, maxFrameSamples)
	n, err := s.dec.DecodeFloat32(packet, pcm)
	if err != nil {
		return nil, &DecodeError{Reason: "corrupt packet", Err: err}
	}
	return pcm[:n], nil
}

// Reset discards the decoder's frame history. Called on utterance_end and
// when a corrupted packet run aborts the utterance, so a new utterance never
// references frames from the previous one. A reconnect gets a fresh Session.
func (s *Session) Reset() error {
	dec, err := opus.NewDecoder(SampleRate, channels)
	if err != nil {
		return fmt.Errorf("reset opus decoder: %w", err)
	}
	s.dec = dec
	return nil
}
