// Package mathengine implements the pure, side-effect-free forgetting-curve
// arithmetic shared by the forgetting job, the tier manager, and the
// retrieval engine's consolidation boost.
package mathengine

import (
	"math"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/memerr"
)

// TimeScaleHours is the fixed time-scale constant k (hours) in the
// recall probability formula: one day elapsed at unit strength and unit
// decay rate leaves recall at 1/e.
const TimeScaleHours = 24.0

// Default consolidation-update constants, overridable per call.
const (
	DefaultAlpha = 0.1  // consolidation learning rate
	DefaultBeta  = 0.5  // log-weight on access count
	DefaultGMax  = 10.0 // max consolidation strength
)

// Params bundles the per-memory inputs to every math engine function.
type Params struct {
	ConsolidationStrength float64
	DecayRate             float64
	LastAccessedAt        *time.Time
	CreatedAt             time.Time
	AccessCount           int64
	ImportanceScore       float64
}

func clampStrength(g float64) float64 {
	if g < 0.01 {
		return 0.01
	}
	return g
}

func clampDecayRate(d float64) float64 {
	if d < 0.1 {
		return 0.1
	}
	if d > 5.0 {
		return 5.0
	}
	return d
}

// elapsedHours returns the hours since last access, or since creation if
// the memory was never accessed.
func elapsedHours(p Params, now time.Time) float64 {
	ref := p.CreatedAt
	if p.LastAccessedAt != nil {
		ref = *p.LastAccessedAt
	}
	return now.Sub(ref).Hours()
}

// RecallProbability computes P(r) at elapsed time t (hours) since last
// access (or creation):
//
//	P(r) = exp( -(t / (consolidation_strength * k))^(1/decay_rate) )
//
// Numerical guards: t<=0 returns 1.0; an overflowing exponent returns 0.0.
func RecallProbability(p Params, now time.Time) (float64, error) {
	g := clampStrength(p.ConsolidationStrength)
	d := clampDecayRate(p.DecayRate)
	t := elapsedHours(p, now)

	if t <= 0 {
		return 1.0, nil
	}

	base := t / (g * TimeScaleHours)
	if base <= 0 {
		return 1.0, nil
	}

	exponent := math.Pow(base, 1.0/d)
	if math.IsNaN(exponent) || math.IsInf(exponent, 0) {
		return 0.0, nil
	}

	recall := math.Exp(-exponent)
	if math.IsNaN(recall) {
		return 0.0, memerr.New(memerr.NumericError, "recall probability computed NaN")
	}
	if recall < 0 {
		recall = 0
	}
	if recall > 1 {
		recall = 1
	}
	return recall, nil
}

// RecallProbabilityFallback is the deterministic value callers substitute
// when the math engine cannot produce one: importance*consolidation/10
// clamped to [0,1].
func RecallProbabilityFallback(importance, consolidationStrength float64) float64 {
	v := importance * consolidationStrength / 10.0
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ConsolidationUpdate computes the reinforced consolidation strength after
// an access event: g' = g + alpha*(1 + beta*log(1+accessCount)), capped
// at gMax.
func ConsolidationUpdate(g float64, accessCount int64, alpha, beta, gMax float64) float64 {
	g = clampStrength(g)
	delta := alpha * (1 + beta*math.Log(1+float64(accessCount)))
	next := g + delta
	if next > gMax {
		next = gMax
	}
	return next
}

// NextReviewInterval solves P(r) = pTarget for t (hours), the closed
// form of the recall probability equation.
func NextReviewInterval(p Params, pTarget float64) (time.Duration, error) {
	if pTarget <= 0 || pTarget >= 1 {
		return 0, memerr.New(memerr.InvalidRequest, "p_target must be in (0,1)")
	}
	g := clampStrength(p.ConsolidationStrength)
	d := clampDecayRate(p.DecayRate)

	// P = exp(-(t/(g*k))^(1/d))  =>  t = g*k*(-ln(P))^d
	negLn := -math.Log(pTarget)
	t := g * TimeScaleHours * math.Pow(negLn, d)
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return 0, memerr.New(memerr.NumericError, "next review interval computed NaN/Inf")
	}
	return time.Duration(t * float64(time.Hour)), nil
}

// AdaptiveDecayRate computes the per-tier adaptive decay rate used by
// the forgetting job:
//
//	base * tierMultiplier * (1 - importance*importanceDecayFactor) * ageFactor
//	  * 1/(1+ln(1+accessCount))
//
// clamped to [minDecayRate, maxDecayRate].
func AdaptiveDecayRate(base, tierMultiplier, importance, importanceDecayFactor, ageFactor float64, accessCount int64, minDecayRate, maxDecayRate float64) float64 {
	importanceFactor := 1 - importance*importanceDecayFactor
	if importanceFactor < 0 {
		importanceFactor = 0
	}
	accessFactor := 1.0 / (1.0 + math.Log(1+float64(accessCount)))
	rate := base * tierMultiplier * importanceFactor * ageFactor * accessFactor
	return clampDecayRate(clampToRange(rate, minDecayRate, maxDecayRate))
}

func clampToRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AdaptiveImportanceDelta computes the reinforcement-learning
// importance adjustment: delta = learningRate*(reward-0.5).
func AdaptiveImportanceDelta(learningRate, reward float64) float64 {
	return learningRate * (reward - 0.5)
}

// ApplyImportanceDelta adds delta to importance and clamps to [0,1].
func ApplyImportanceDelta(importance, delta float64) float64 {
	v := importance + delta
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AccessReward computes a [0,1] reward favoring recent, frequent
// access, the reward term feeding AdaptiveImportanceDelta. Recency
// decays over 7 days, frequency saturates at 20 accesses, and the
// reward is their mean.
func AccessReward(lastAccessedAt *time.Time, now time.Time, accessCount int64) float64 {
	recency := 0.0
	if lastAccessedAt != nil {
		days := now.Sub(*lastAccessedAt).Hours() / 24
		recency = math.Exp(-days / 7.0)
	}
	frequency := float64(accessCount) / 20.0
	if frequency > 1 {
		frequency = 1
	}
	return (recency + frequency) / 2.0
}
