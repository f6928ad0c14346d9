package audio

import "encoding/binary"

// Resample converts a mono, 16-bit little-endian PCM buffer from one sample
// rate to another using linear interpolation, covering both directions this
// bridge needs: caller audio up to a provider's rate, provider audio down
// to the PBX's.
//
// A fromHz equal to toHz returns the input unchanged.
func Resample(pcm []byte, fromHz, toHz int) []byte {
	if fromHz == toHz || len(pcm) < 4 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out
	}

	ratio := float64(fromHz) / float64(toHz)
	inSamples := len(pcm) / 2
	outSamples := int(float64(inSamples) / ratio)
	if outSamples < 1 {
		return nil
	}
	out := make([]byte, outSamples*2)

	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= inSamples {
			out = out[:i*2]
			break
		}

		s1 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s2 := int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		interpolated := int16(float64(s1)*(1-frac) + float64(s2)*frac)

		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}

	return out
}
