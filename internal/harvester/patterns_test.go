package harvester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor(t *testing.T) *extractor {
	t.Helper()
	x, err := newExtractor(DefaultPatternLibrary())
	require.NoError(t, err)
	return x
}

func TestExtractPatterns(t *testing.T) {
	x := newTestExtractor(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("preference", func(t *testing.T) {
		patterns := x.extract("I prefer dark roast coffee in the morning.", now)
		require.NotEmpty(t, patterns)
		assert.Equal(t, PatternPreference, patterns[0].Type)
		assert.Contains(t, patterns[0].Content, "dark roast")
	})

	t.Run("correction detected with high confidence", func(t *testing.T) {
		patterns := x.extract("Actually, I meant the staging environment, not production.", now)
		require.NotEmpty(t, patterns)
		var found bool
		for _, p := range patterns {
			if p.Type == PatternCorrection {
				found = true
				assert.Greater(t, p.Confidence, 0.7)
			}
		}
		assert.True(t, found, "expected a correction pattern")
	})

	t.Run("no matches", func(t *testing.T) {
		patterns := x.extract("The sky is blue.", now)
		assert.Empty(t, patterns)
	})

	t.Run("extracts containing sentence", func(t *testing.T) {
		msg := "Unrelated intro. I decided to use PostgreSQL for the project. Unrelated outro."
		patterns := x.extract(msg, now)
		require.NotEmpty(t, patterns)
		for _, p := range patterns {
			if p.Type == PatternDecision {
				assert.Equal(t, "I decided to use PostgreSQL for the project.", p.Content)
			}
		}
	})
}

func TestPatternConfidence(t *testing.T) {
	t.Run("first person raises confidence", func(t *testing.T) {
		withI := patternConfidence(PatternFact, "I work at a research lab in the city center, mostly on infrastructure")
		without := patternConfidence(PatternFact, "work happens at a research lab in the city center, on infrastructure")
		assert.Greater(t, withI, without)
	})

	t.Run("very short content penalized", func(t *testing.T) {
		assert.Less(t, patternConfidence(PatternFact, "I am"), patternConfidence(PatternFact, "I am a database engineer working on distributed systems"))
	})

	t.Run("clamped to unit interval", func(t *testing.T) {
		long := make([]byte, 200)
		for i := range long {
			long[i] = 'a'
		}
		c := patternConfidence(PatternCorrection, "I my me "+string(long))
		assert.LessOrEqual(t, c, 1.0)
		assert.GreaterOrEqual(t, c, 0.0)
	})
}

func TestSentenceAround(t *testing.T) {
	text := "First part. The match lives here! Last part."
	start := len("First part. The match ")
	got := sentenceAround(text, start, start+5)
	assert.Equal(t, "The match lives here!", got)

	t.Run("no boundaries", func(t *testing.T) {
		assert.Equal(t, "just one clause", sentenceAround("just one clause", 5, 8))
	})
}

func TestInvalidPatternLibrary(t *testing.T) {
	_, err := newExtractor(map[PatternType][]string{
		PatternFact: {"(unclosed"},
	})
	assert.Error(t, err)
}
