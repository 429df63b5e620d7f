// Package retry computes next-attempt delays from a graph's retry policy.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/exospherehost/state-manager/internal/model"
)

// Delay returns the delay before attempt n (1-indexed) is eligible again.
// Jitter variants derive a uniform value from seed, so the result is a pure
// function of (policy, attempt, seed); callers seed with run id, identifier
// and attempt to decorrelate siblings.
func Delay(p model.RetryPolicy, attempt int, seed string) (time.Duration, error) {
	if attempt < 1 {
		return 0, fmt.Errorf("attempt must be >= 1, got %d", attempt)
	}

	var baseMS float64
	switch family(p.Strategy) {
	case model.RetryExponential:
		exp := p.Exponent
		if exp <= 0 {
			exp = 2
		}
		baseMS = float64(p.BackoffFactorMS) * math.Pow(float64(exp), float64(attempt-1))
	case model.RetryLinear:
		baseMS = float64(p.BackoffFactorMS) * float64(attempt)
	case model.RetryFixed:
		baseMS = float64(p.BackoffFactorMS)
	default:
		return 0, fmt.Errorf("unknown retry strategy %q", p.Strategy)
	}

	// Cap before jitter so jittered delays stay inside the cap too.
	if p.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(p.MaxDelayMS))
	}

	u := jitterUnit(seed)
	switch {
	case isFullJitter(p.Strategy):
		baseMS = baseMS * u // uniform on [0, base]
	case isEqualJitter(p.Strategy):
		baseMS = baseMS/2 + baseMS/2*u // uniform on [base/2, base]
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond)), nil
}

func family(s model.RetryStrategy) model.RetryStrategy {
	switch s {
	case model.RetryExponential, model.RetryExponentialFullJitter, model.RetryExponentialEqualJitter:
		return model.RetryExponential
	case model.RetryLinear, model.RetryLinearFullJitter, model.RetryLinearEqualJitter:
		return model.RetryLinear
	case model.RetryFixed, model.RetryFixedFullJitter, model.RetryFixedEqualJitter:
		return model.RetryFixed
	}
	return ""
}

func isFullJitter(s model.RetryStrategy) bool {
	return strings.HasSuffix(string(s), "_FULL_JITTER")
}

func isEqualJitter(s model.RetryStrategy) bool {
	return strings.HasSuffix(string(s), "_EQUAL_JITTER")
}

// jitterUnit maps seed to a uniform value in [0, 1].
func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
