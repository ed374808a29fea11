package audio

import "math"

func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

func putInt16(dst []byte, samples []int16) {
	for i, v := range samples {
		if 2*i+1 >= len(dst) {
			return
		}
		dst[2*i] = byte(v)
		dst[2*i+1] = byte(v >> 8)
	}
}

// framer cuts an arbitrary sample stream into fixed-size frames.
type framer struct {
	size    int
	pending []int16
}

func (f *framer) push(samples []int16, emit func([]int16)) {
	f.pending = append(f.pending, samples...)
	for len(f.pending) >= f.size {
		frame := make([]int16, f.size)
		copy(frame, f.pending[:f.size])
		f.pending = f.pending[f.size:]
		emit(frame)
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
}

// agc is a slow automatic gain stage that pulls speech toward a target RMS.
type agc struct {
	gain float64
}

const (
	agcTarget  = 0.1
	agcMaxGain = 8.0
	agcMinGain = 0.25
	agcAttack  = 0.05
	agcFloor   = 0.003
)

func (a *agc) process(frame []int16) {
	if a.gain == 0 {
		a.gain = 1
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(max(len(frame), 1)))
	if rms > agcFloor {
		want := math.Max(agcMinGain, math.Min(agcMaxGain, agcTarget/rms))
		a.gain += (want - a.gain) * agcAttack
	}
	for i, s := range frame {
		frame[i] = clamp16(float64(s) * a.gain)
	}
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// mixInto adds src scaled by percent/100 into acc.
func mixInto(acc []int32, src []int16, percent int) {
	for i := 0; i < len(acc) && i < len(src); i++ {
		acc[i] += int32(src[i]) * int32(percent) / 100
	}
}

func clampMix(dst []int16, acc []int32) {
	for i, v := range acc {
		switch {
		case v > math.MaxInt16:
			dst[i] = math.MaxInt16
		case v < math.MinInt16:
			dst[i] = math.MinInt16
		default:
			dst[i] = int16(v)
		}
	}
}
