package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestULawRoundTrip(t *testing.T) {
	pcm := make([]byte, 320) // 160 samples
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100-8000)))
	}

	ulaw := PCM16ToULaw(pcm)
	if len(ulaw) != 160 {
		t.Fatalf("expected 160 μ-law bytes, got %d", len(ulaw))
	}

	back := ULawToPCM16(ulaw)
	roundTripped := PCM16ToULaw(back)

	if !bytes.Equal(ulaw, roundTripped) {
		t.Fatalf("μ-law round trip not bit-identical")
	}
}

func TestFramerProducesFixedSizeFrames(t *testing.T) {
	f := NewFramer()

	// Push 1.5 frames worth of PCM16 (240 samples = 480 bytes).
	pcm := make([]byte, 480)
	frames := f.Push(pcm)
	if len(frames) != 1 {
		t.Fatalf("expected 1 complete frame, got %d", len(frames))
	}
	if len(frames[0]) != 160 {
		t.Fatalf("expected 160 payload bytes, got %d", len(frames[0]))
	}
	if f.Pending() != 160 {
		t.Fatalf("expected 160 bytes pending, got %d", f.Pending())
	}

	flushed := f.Flush()
	if len(flushed) != 160 {
		t.Fatalf("expected flushed frame of 160 bytes, got %d", len(flushed))
	}
	if f.Pending() != 0 {
		t.Fatalf("expected framer empty after flush, got %d pending", f.Pending())
	}
}

func TestFramerIsDeterministic(t *testing.T) {
	pcm := make([]byte, 3200) // 10 frames
	for i := range pcm {
		pcm[i] = byte(i)
	}

	f1 := NewFramer()
	frames1 := f1.Push(pcm)

	f2 := NewFramer()
	frames2 := f2.Push(pcm)

	if len(frames1) != len(frames2) {
		t.Fatalf("non-deterministic frame count")
	}
	for i := range frames1 {
		if !bytes.Equal(frames1[i], frames2[i]) {
			t.Fatalf("frame %d differs between identical runs", i)
		}
	}
}

func TestResampleIdentityWhenRatesMatch(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out := Resample(pcm, 8000, 8000)
	if !bytes.Equal(pcm, out) {
		t.Fatalf("expected identity resample to return input unchanged")
	}
}

func TestResampleChangesLength(t *testing.T) {
	pcm := make([]byte, 320) // 160 samples at 8kHz
	up := Resample(pcm, 8000, 16000)
	if len(up) == 0 {
		t.Fatalf("expected non-empty upsampled output")
	}
	down := Resample(up, 16000, 8000)
	if len(down) == 0 {
		t.Fatalf("expected non-empty downsampled output")
	}
}
