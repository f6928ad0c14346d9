package audio

// Framer accumulates provider-side PCM16 audio (already resampled to 8kHz)
// and slices it into the fixed 160-byte (20ms) μ-law frames the PBX
// requires (§4.2, invariant 3 in §8). Providers emit audio in irregular
// chunk sizes; the connection's outbound path owns one Framer per call and
// feeds it every delta it receives.
type Framer struct {
	buf []byte // PCM16 bytes not yet emitted as a full frame
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// SamplesPerFrame is the sample count of one 20 ms, 8 kHz mono PBX frame.
const SamplesPerFrame = 160

// framePCMBytes is the number of PCM16 bytes per frame: samples * 2 bytes.
const framePCMBytes = SamplesPerFrame * 2

// Push appends PCM16 bytes to the framer and returns every complete 20 ms
// μ-law frame that can now be emitted, in order. Leftover bytes are kept
// for the next call.
func (f *Framer) Push(pcm16 []byte) [][]byte {
	f.buf = append(f.buf, pcm16...)

	var frames [][]byte
	for len(f.buf) >= framePCMBytes {
		chunk := f.buf[:framePCMBytes]
		frames = append(frames, PCM16ToULaw(chunk))
		f.buf = f.buf[framePCMBytes:]
	}
	return frames
}

// Flush pads any remaining partial frame with silence (PCM zero) and emits
// it, then resets the buffer. Used when a Connection is closing and must
// not leave a partial talkspurt unflushed.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	padded := make([]byte, framePCMBytes)
	copy(padded, f.buf)
	f.buf = nil
	return PCM16ToULaw(padded)
}

// Pending returns the number of PCM16 bytes currently buffered, for tests
// and diagnostics.
func (f *Framer) Pending() int {
	return len(f.buf)
}
