package audio

// clamp16 clamps a 32-bit intermediate value to the int16 sample range.
func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ApplyGain scales samples in place by a linear gain factor with hard
// clipping at the int16 range limits. A gain of 1.0 is a no-op.
func ApplyGain(samples []int16, gain float64) {
	if gain == 1.0 {
		return
	}
	for i, s := range samples {
		samples[i] = clamp16(int32(float64(s) * gain))
	}
}

// MixInto adds src into acc sample by sample. acc uses int32 headroom so that
// summing several sources cannot overflow before the final clip.
// len(src) must not exceed len(acc); extra acc samples are left untouched.
func MixInto(acc []int32, src []int16) {
	for i, s := range src {
		acc[i] += int32(s)
	}
}

// ClipMix collapses an int32 accumulator into int16 samples with hard
// clipping. The result has the same length as acc.
func ClipMix(acc []int32) []int16 {
	out := make([]int16, len(acc))
	for i, v := range acc {
		out[i] = clamp16(v)
	}
	return out
}

// StereoToMono averages interleaved L/R sample pairs into mono. An unpaired
// trailing sample is dropped.
func StereoToMono(samples []int16) []int16 {
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = clamp16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return out
}

// DownmixToMono converts interleaved multi-channel samples to mono by
// averaging each sample group. channels <= 1 returns the input unchanged.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	if channels == 2 {
		return StereoToMono(samples)
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match (or either is invalid) the input is
// returned unchanged.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ToPipelineFormat converts a native-format capture buffer (interleaved int16
// at srcRate with the given channel count) into mono samples at the pipeline
// [SampleRate]. Downmix happens before resampling so stereo input is only
// resampled once.
func ToPipelineFormat(samples []int16, srcRate, channels int) []int16 {
	mono := DownmixToMono(samples, channels)
	return Resample(mono, srcRate, SampleRate)
}
