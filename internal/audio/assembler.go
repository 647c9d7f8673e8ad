package audio

import "time"

// SampleRate is the PCM rate the ASR consumes.
const SampleRate = 16000

// Assembler accumulates the PCM of one in-progress utterance for a single
// participant. Audio beyond the hard cap silently displaces the oldest
// samples; Take reports the truncation so the room can surface a one-shot
// diagnostic. Not safe for concurrent use; the owning room goroutine is the
// only writer.
type Assembler struct {
	ring      *Ring
	lastChunk time.Time
}

// NewAssembler creates an assembler capped at hardCapSeconds of audio.
func NewAssembler(hardCapSeconds int) *Assembler {
	return &Assembler{ring: NewRing(hardCapSeconds * SampleRate)}
}

// Append adds decoded PCM to the current utterance.
func (a *Assembler) Append(pcm []float32) {
	a.ring.Write(pcm)
	a.lastChunk = time.Now()
}

// Empty reports whether no audio has been buffered.
func (a *Assembler) Empty() bool {
	return a.ring.Len() == 0
}

// Duration returns the buffered audio length.
func (a *Assembler) Duration() time.Duration {
	return time.Duration(a.ring.Len()) * time.Second / SampleRate
}

// Take finalizes the utterance: it returns the buffered PCM plus whether the
// hard cap discarded older audio, and resets the assembler. The buffer never
// retains audio past a successful Take.
func (a *Assembler) Take() (pcm []float32, truncated bool) {
	pcm = a.ring.Snapshot()
	truncated = a.ring.Truncated()
	a.ring.Reset()
	return pcm, truncated
}

// Reset drops any buffered audio without finalizing.
func (a *Assembler) Reset() {
	a.ring.Reset()
}
