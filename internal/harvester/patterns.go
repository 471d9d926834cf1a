package harvester

import (
	"regexp"
	"strings"
	"time"
)

// PatternType names a family of conversational patterns worth remembering.
type PatternType string

const (
	PatternPreference   PatternType = "preference"
	PatternFact         PatternType = "fact"
	PatternDecision     PatternType = "decision"
	PatternCorrection   PatternType = "correction"
	PatternEmotion      PatternType = "emotion"
	PatternGoal         PatternType = "goal"
	PatternRelationship PatternType = "relationship"
	PatternSkill        PatternType = "skill"
)

// DefaultPatternLibrary returns the default regex table, three
// expressions per family.
func DefaultPatternLibrary() map[PatternType][]string {
	return map[PatternType][]string{
		PatternPreference: {
			`(?i)I prefer|I like|I enjoy|I love|I hate|I dislike`,
			`(?i)my favorite|I'd rather|I tend to|I usually`,
			`(?i)I always|I never|I often|I rarely`,
		},
		PatternFact: {
			`(?i)I am|I work|I live|I have|my name is`,
			`(?i)I was born|I graduated|I studied|I learned`,
			`(?i)the fact is|it's true that|I know that`,
		},
		PatternDecision: {
			`(?i)I decided|I chose|I will|I'm going to`,
			`(?i)I've decided|my decision|I'll go with`,
			`(?i)I think we should|let's go with|I recommend`,
		},
		PatternCorrection: {
			`(?i)actually|correction|I meant|let me clarify`,
			`(?i)that's wrong|that's incorrect|I misspoke`,
			`(?i)sorry, I meant|to be clear|what I should have said`,
		},
		PatternEmotion: {
			`(?i)I feel|I'm excited|I'm worried|I'm happy`,
			`(?i)I'm frustrated|I'm confused|I'm concerned`,
			`(?i)this makes me|I'm feeling|emotionally`,
		},
		PatternGoal: {
			`(?i)I want to|I hope to|my goal|I'm trying to`,
			`(?i)I'm working toward|I aim to|I plan to`,
			`(?i)I need to|I should|I must`,
		},
		PatternRelationship: {
			`(?i)my friend|my colleague|my family|my partner`,
			`(?i)I work with|I know someone|my relationship`,
			`(?i)my team|my boss|my client`,
		},
		PatternSkill: {
			`(?i)I can|I'm good at|I know how to|I'm skilled`,
			`(?i)I'm learning|I'm studying|I practice`,
			`(?i)I'm experienced|I specialize|my expertise`,
		},
	}
}

// confidenceBonus is the per-family specificity adjustment added to the
// 0.5 base confidence: corrections are the strongest signal, decisions
// next.
var confidenceBonus = map[PatternType]float64{
	PatternPreference:   0.1,
	PatternFact:         0.15,
	PatternDecision:     0.2,
	PatternCorrection:   0.25,
	PatternEmotion:      0.1,
	PatternGoal:         0.15,
	PatternRelationship: 0.1,
	PatternSkill:        0.15,
}

// ExtractedPattern is one candidate memory pulled from a message.
type ExtractedPattern struct {
	Type        PatternType
	Content     string
	Confidence  float64
	MatchedText string
	ExtractedAt time.Time
}

// extractor holds the compiled pattern library.
type extractor struct {
	patterns map[PatternType][]*regexp.Regexp
}

func newExtractor(library map[PatternType][]string) (*extractor, error) {
	compiled := make(map[PatternType][]*regexp.Regexp, len(library))
	for pt, exprs := range library {
		for _, expr := range exprs {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, err
			}
			compiled[pt] = append(compiled[pt], re)
		}
	}
	return &extractor{patterns: compiled}, nil
}

// extract matches every family against the message, yielding one
// candidate per regex hit with the containing sentence as content.
func (x *extractor) extract(message string, extractedAt time.Time) []ExtractedPattern {
	var out []ExtractedPattern
	for pt, regexes := range x.patterns {
		for _, re := range regexes {
			for _, loc := range re.FindAllStringIndex(message, -1) {
				content := sentenceAround(message, loc[0], loc[1])
				out = append(out, ExtractedPattern{
					Type:        pt,
					Content:     content,
					Confidence:  patternConfidence(pt, content),
					MatchedText: message[loc[0]:loc[1]],
					ExtractedAt: extractedAt,
				})
			}
		}
	}
	return out
}

// sentenceAround expands a match to its containing sentence.
func sentenceAround(text string, start, end int) string {
	sentenceStart := 0
	if idx := strings.LastIndexAny(text[:start], ".!?"); idx >= 0 {
		sentenceStart = idx + 1
	}
	sentenceEnd := len(text)
	if idx := strings.IndexAny(text[end:], ".!?"); idx >= 0 {
		sentenceEnd = end + idx + 1
	}
	return strings.TrimSpace(text[sentenceStart:sentenceEnd])
}

// patternConfidence starts at 0.5 and adjusts for family specificity,
// content length, and first-person phrasing, clamped to [0,1].
func patternConfidence(pt PatternType, content string) float64 {
	confidence := 0.5 + confidenceBonus[pt]

	if len(content) > 50 {
		confidence += 0.1
	}
	if len(content) > 100 {
		confidence += 0.1
	}
	if strings.Contains(content, "I ") || strings.Contains(content, "my ") || strings.Contains(content, "me ") {
		confidence += 0.1
	}
	if len(content) < 10 {
		confidence -= 0.2
	}
	if len(content) > 500 {
		confidence -= 0.1
	}

	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}
