package synth

import "math"

// limiter is a stereo-linked peak compressor on the master bus.
type limiter struct {
	threshold float32
	ratio     float32
	attack    float32 // coefficient
	release   float32 // coefficient
	env       float32
}

func newLimiter(sampleRate int, thresholdDB, ratio, attackMs, releaseMs float64) *limiter {
	sr := float64(sampleRate)
	if ratio < 1 {
		ratio = 1
	}
	return &limiter{
		threshold: float32(math.Pow(10, thresholdDB/20)),
		ratio:     float32(ratio),
		attack:    float32(1.0 - math.Exp(-1.0/(math.Max(attackMs, 0.01)*sr/1000.0))),
		release:   float32(1.0 - math.Exp(-1.0/(math.Max(releaseMs, 0.01)*sr/1000.0))),
	}
}

func (c *limiter) process(l, r float32) (float32, float32) {
	peak := max(abs32(l), abs32(r))
	if peak > c.env {
		c.env += c.attack * (peak - c.env)
	} else {
		c.env += c.release * (peak - c.env)
	}
	if c.env <= c.threshold || c.threshold <= 0 {
		return l, r
	}
	over := c.env / c.threshold
	gain := float32(math.Pow(float64(over), float64(1.0/c.ratio-1)))
	return l * gain, r * gain
}

func (c *limiter) reset() { c.env = 0 }

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
