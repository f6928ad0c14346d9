// Package audio converts between the PBX-facing G.711 μ-law stream and the
// linear PCM16 streams the AI providers speak, and reframes provider audio
// into the fixed 20 ms packets the PBX expects.
package audio

import (
	"time"

	"github.com/zaf/g711"
)

// Codec describes one side of an audio leg, keyed by sample rate rather
// than RTP payload type, since the bridge always speaks μ-law to the PBX
// and PCM16 to providers.
type Codec struct {
	Name       string
	SampleRate int
	SampleDur  time.Duration
	Channels   int
}

// PBX is the fixed 8 kHz μ-law, 20 ms codec used on the RTP side (§6.1).
var PBX = Codec{Name: "PCMU", SampleRate: 8000, SampleDur: 20 * time.Millisecond, Channels: 1}

// SamplesPerFrame returns the number of PCM16 samples in one frame of audio
// at this codec's sample rate and duration.
func (c Codec) SamplesPerFrame() int {
	return c.SampleRate * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the μ-law payload size for one frame (1 byte/sample).
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.Channels
}

// ULawToPCM16 decodes an 8 kHz μ-law payload into 16-bit little-endian PCM.
func ULawToPCM16(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}

// PCM16ToULaw encodes 16-bit little-endian PCM into 8 kHz μ-law.
func PCM16ToULaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}
