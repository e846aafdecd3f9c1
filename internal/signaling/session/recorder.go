package session

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// recorder keeps the caller's audio as the timeline and overlays what we
// played at the point playback started. 8kHz 16-bit mono throughout.
type recorder struct {
	mu       sync.Mutex
	in       []byte
	overlays []overlay
	limit    int
	full     bool
}

type overlay struct {
	offset int
	pcm    []byte
}

const recordBytesPerSecond = 16000

func newRecorder(limit time.Duration) *recorder {
	return &recorder{limit: int(limit.Seconds()) * recordBytesPerSecond}
}

func (r *recorder) inbound(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return
	}
	if r.limit > 0 && len(r.in)+len(pcm) > r.limit {
		r.full = true
		return
	}
	r.in = append(r.in, pcm...)
}

func (r *recorder) outbound(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full || len(pcm) == 0 {
		return
	}
	r.overlays = append(r.overlays, overlay{offset: len(r.in), pcm: append([]byte(nil), pcm...)})
}

// mix returns the mixed recording.
func (r *recorder) mix() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.in)
	for _, o := range r.overlays {
		if end := o.offset + len(o.pcm); end > size {
			size = end
		}
	}
	size &^= 1
	out := make([]byte, size)
	copy(out, r.in)

	for _, o := range r.overlays {
		for i := 0; i+1 < len(o.pcm) && o.offset+i+1 < size; i += 2 {
			pos := o.offset + i
			a := int32(int16(binary.LittleEndian.Uint16(out[pos:])))
			b := int32(int16(binary.LittleEndian.Uint16(o.pcm[i:])))
			binary.LittleEndian.PutUint16(out[pos:], uint16(clamp16(a+b)))
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
