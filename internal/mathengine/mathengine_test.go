package mathengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecallProbabilityDecay(t *testing.T) {
	// With strength=1, decay=1 and k=24, the exponent evaluates to -1.0
	// at t=24h, so P(r) = e^-1.
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := created.Add(24 * time.Hour)

	p, err := RecallProbability(Params{
		ConsolidationStrength: 1,
		DecayRate:             1,
		CreatedAt:             created,
		ImportanceScore:       0.5,
	}, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.3679, p, 0.01)
}

func TestRecallProbabilityBoundaries(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("zero elapsed returns 1", func(t *testing.T) {
		p, err := RecallProbability(Params{ConsolidationStrength: 1, DecayRate: 1, CreatedAt: created}, created)
		require.NoError(t, err)
		assert.Equal(t, 1.0, p)
	})

	t.Run("negative elapsed returns 1", func(t *testing.T) {
		p, err := RecallProbability(Params{ConsolidationStrength: 1, DecayRate: 1, CreatedAt: created}, created.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1.0, p)
	})

	t.Run("extreme age stays in range", func(t *testing.T) {
		p, err := RecallProbability(Params{ConsolidationStrength: 0.01, DecayRate: 0.1, CreatedAt: created}, created.AddDate(100, 0, 0))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	})

	t.Run("inputs clamped", func(t *testing.T) {
		// Out-of-range strength and decay clamp instead of failing.
		p, err := RecallProbability(Params{ConsolidationStrength: -5, DecayRate: 99, CreatedAt: created}, created.Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, 0.0)
		assert.LessOrEqual(t, p, 1.0)
	})

	t.Run("last access preferred over creation", func(t *testing.T) {
		accessed := created.Add(48 * time.Hour)
		now := accessed.Add(time.Minute)
		p, err := RecallProbability(Params{
			ConsolidationStrength: 1,
			DecayRate:             1,
			CreatedAt:             created,
			LastAccessedAt:        &accessed,
		}, now)
		require.NoError(t, err)
		assert.Greater(t, p, 0.9)
	})
}

func TestRecallProbabilityFallback(t *testing.T) {
	assert.Equal(t, 0.05, RecallProbabilityFallback(0.5, 1.0))
	assert.Equal(t, 1.0, RecallProbabilityFallback(1.0, 100))
	assert.Equal(t, 0.0, RecallProbabilityFallback(-1, 5))
}

func TestConsolidationUpdate(t *testing.T) {
	t.Run("grows with access count", func(t *testing.T) {
		g0 := ConsolidationUpdate(1.0, 0, DefaultAlpha, DefaultBeta, DefaultGMax)
		g5 := ConsolidationUpdate(1.0, 5, DefaultAlpha, DefaultBeta, DefaultGMax)
		assert.Greater(t, g5, g0)
		assert.Greater(t, g0, 1.0)
	})

	t.Run("capped at gMax", func(t *testing.T) {
		g := ConsolidationUpdate(9.99, 1000, DefaultAlpha, DefaultBeta, DefaultGMax)
		assert.Equal(t, DefaultGMax, g)
	})

	t.Run("clamps tiny strength", func(t *testing.T) {
		g := ConsolidationUpdate(0, 0, DefaultAlpha, DefaultBeta, DefaultGMax)
		assert.GreaterOrEqual(t, g, 0.01)
	})
}

func TestNextReviewInterval(t *testing.T) {
	created := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	params := Params{ConsolidationStrength: 1, DecayRate: 1, CreatedAt: created}

	t.Run("round trip", func(t *testing.T) {
		interval, err := NextReviewInterval(params, 0.9)
		require.NoError(t, err)

		// Recomputing P(r) at exactly the returned interval recovers the
		// target probability.
		p, err := RecallProbability(params, created.Add(interval))
		require.NoError(t, err)
		assert.InDelta(t, 0.9, p, 0.001)
	})

	t.Run("rejects invalid targets", func(t *testing.T) {
		_, err := NextReviewInterval(params, 0)
		assert.Error(t, err)
		_, err = NextReviewInterval(params, 1)
		assert.Error(t, err)
	})
}

func TestAdaptiveDecayRate(t *testing.T) {
	t.Run("clamped to range", func(t *testing.T) {
		rate := AdaptiveDecayRate(1.0, 100, 0, 0, 1, 0, 0.1, 5.0)
		assert.LessOrEqual(t, rate, 5.0)

		rate = AdaptiveDecayRate(0.001, 0.1, 0.9, 0.9, 1, 100, 0.1, 5.0)
		assert.GreaterOrEqual(t, rate, 0.1)
	})

	t.Run("importance slows decay", func(t *testing.T) {
		low := AdaptiveDecayRate(1.0, 1.0, 0.1, 0.5, 1, 0, 0.1, 5.0)
		high := AdaptiveDecayRate(1.0, 1.0, 0.9, 0.5, 1, 0, 0.1, 5.0)
		assert.Less(t, high, low)
	})

	t.Run("access slows decay", func(t *testing.T) {
		never := AdaptiveDecayRate(1.0, 1.0, 0.5, 0.5, 1, 0, 0.1, 5.0)
		often := AdaptiveDecayRate(1.0, 1.0, 0.5, 0.5, 1, 50, 0.1, 5.0)
		assert.Less(t, often, never)
	})

	t.Run("deterministic", func(t *testing.T) {
		a := AdaptiveDecayRate(1.0, 1.5, 0.4, 0.5, 1.2, 7, 0.1, 5.0)
		b := AdaptiveDecayRate(1.0, 1.5, 0.4, 0.5, 1.2, 7, 0.1, 5.0)
		assert.Equal(t, a, b)
	})
}

func TestAdaptiveImportance(t *testing.T) {
	t.Run("reward above midpoint raises importance", func(t *testing.T) {
		delta := AdaptiveImportanceDelta(0.1, 0.8)
		assert.Greater(t, delta, 0.0)
	})

	t.Run("reward below midpoint lowers importance", func(t *testing.T) {
		delta := AdaptiveImportanceDelta(0.1, 0.2)
		assert.Less(t, delta, 0.0)
	})

	t.Run("applied importance clamps to unit interval", func(t *testing.T) {
		assert.Equal(t, 1.0, ApplyImportanceDelta(0.98, 0.5))
		assert.Equal(t, 0.0, ApplyImportanceDelta(0.02, -0.5))
	})
}

func TestAccessReward(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("never accessed yields low reward", func(t *testing.T) {
		r := AccessReward(nil, now, 0)
		assert.Equal(t, 0.0, r)
	})

	t.Run("recent frequent access yields high reward", func(t *testing.T) {
		recent := now.Add(-time.Hour)
		r := AccessReward(&recent, now, 20)
		assert.Greater(t, r, 0.9)
	})

	t.Run("frequency saturates", func(t *testing.T) {
		recent := now.Add(-time.Hour)
		r20 := AccessReward(&recent, now, 20)
		r200 := AccessReward(&recent, now, 200)
		assert.Equal(t, r20, r200)
	})
}
