package audio

// NormalizeAudio scales buffer so its peak magnitude equals targetLevel.
// Silent input (and a non-positive target) returns buffer unchanged.
func NormalizeAudio(buffer []float32, targetLevel float64) []float32 {
	peak := peakLevel(buffer)
	if peak == 0 || targetLevel <= 0 {
		return buffer
	}
	gain := float32(targetLevel / peak)
	out := make([]float32, len(buffer))
	for i, s := range buffer {
		out[i] = s * gain
	}
	return out
}
