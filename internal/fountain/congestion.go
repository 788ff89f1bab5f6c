package fountain

import "sync"

// lossDecreaseThreshold and lossIncreaseWindow implement the AIMD rule of
// §4.E: "when loss exceeds a threshold it halves the packet rate; when
// loss is near zero for a window it additively increases the rate."
const (
	lossDecreaseThreshold = 0.10
	lossNearZero          = 0.01
	increaseStep          = 25.0 // packets/sec added after three consecutive near-zero-loss observations
	minRate               = 10.0
)

// congestionController estimates loss from the peer-reported seen/count
// counters piggybacked on inbound combinations and adjusts the local send
// rate additively-increase/multiplicatively-decrease.
type congestionController struct {
	mu       sync.Mutex
	rate     float64
	maxRate  float64
	tokens   *tokenBucket
	nearZero int
}

func newCongestionController(initialRate, maxRate float64, tokens *tokenBucket) *congestionController {
	return &congestionController{rate: initialRate, maxRate: maxRate, tokens: tokens}
}

// observe folds in one peer-reported (seen, count) sample.
func (c *congestionController) observe(seen, count uint32) {
	if count == 0 {
		return
	}
	loss := 1 - float64(seen)/float64(count)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case loss > lossDecreaseThreshold:
		c.rate /= 2
		if c.rate < minRate {
			c.rate = minRate
		}
		c.nearZero = 0
	case loss <= lossNearZero:
		c.nearZero++
		if c.nearZero >= 3 {
			c.rate += increaseStep
			if c.rate > c.maxRate {
				c.rate = c.maxRate
			}
			c.nearZero = 0
		}
	default:
		c.nearZero = 0
	}
	c.tokens.setRate(c.rate)
}

func (c *congestionController) currentRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}
