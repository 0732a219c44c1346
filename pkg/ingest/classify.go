package ingest

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Classification is the heuristic labelling applied to an uploaded document
type Classification struct {
	ContentType string   `json:"content_type"` // grammar, vocabulary, reading, listening, writing or general
	Topic       string   `json:"topic,omitempty"`
	Difficulty  string   `json:"difficulty_level"` // beginner, intermediate, advanced
	Tags        []string `json:"tags"`
}

// Ordered so that ties resolve to the earlier type
var contentTypes = []struct {
	name     string
	keywords []string
}{
	{"grammar", []string{"grammar", "ngữ pháp", "tense", "verb", "noun", "adjective", "adverb"}},
	{"vocabulary", []string{"vocabulary", "từ vựng", "word", "meaning", "definition"}},
	{"reading", []string{"reading", "đọc hiểu", "passage", "text", "story"}},
	{"listening", []string{"listening", "nghe", "audio", "pronunciation"}},
	{"writing", []string{"writing", "viết", "essay", "composition"}},
}

var topicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)lesson\s+\d+[:\s]*([^.\n]+)`),
	regexp.MustCompile(`(?i)unit\s+\d+[:\s]*([^.\n]+)`),
	regexp.MustCompile(`(?i)chapter\s+\d+[:\s]*([^.\n]+)`),
	regexp.MustCompile(`(?i)topic[:\s]*([^.\n]+)`),
	regexp.MustCompile(`(?i)([A-Z][^.\n]{5,50})`),
}

var (
	beginnerIndicators     = []string{"basic", "simple", "easy", "introduction", "begin"}
	intermediateIndicators = []string{"intermediate", "medium", "practice", "exercise"}
	advancedIndicators     = []string{"advanced", "complex", "difficult", "expert"}

	grammarTags    = []string{"present simple", "past simple", "present perfect", "past perfect", "future", "conditional", "passive voice", "modal verbs"}
	vocabularyTags = []string{"nouns", "verbs", "adjectives", "adverbs", "phrasal verbs", "idioms", "collocations"}
)

// Classify labels content by keyword heuristics
func Classify(content string) Classification {
	lower := strings.ToLower(content)
	ct := ContentType(lower)
	return Classification{
		ContentType: ct,
		Topic:       Topic(content),
		Difficulty:  Difficulty(lower),
		Tags:        Tags(lower, ct),
	}
}

// ContentType returns the type whose keywords occur most often, or "general"
func ContentType(content string) string {
	lower := strings.ToLower(content)
	best, bestScore := "general", 0
	for _, t := range contentTypes {
		if s := countContained(lower, t.keywords); s > bestScore {
			best, bestScore = t.name, s
		}
	}
	return best
}

// Topic looks for a lesson/unit/chapter title in the first five lines
func Topic(content string) string {
	lines := strings.SplitN(content, "\n", 6)
	if len(lines) > 5 {
		lines = lines[:5]
	}
	for _, line := range lines {
		for _, re := range topicPatterns {
			m := re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			topic := strings.TrimSpace(m[1])
			if n := utf8.RuneCountInString(topic); n > 5 && n < 100 {
				return topic
			}
		}
	}
	return ""
}

// Difficulty estimates the level from indicator words and average word length
func Difficulty(content string) string {
	lower := strings.ToLower(content)
	words := strings.Fields(lower)

	var avg float64
	if len(words) > 0 {
		total := 0
		for _, w := range words {
			total += utf8.RuneCountInString(w)
		}
		avg = float64(total) / float64(len(words))
	}

	switch {
	case countContained(lower, advancedIndicators) > 0 || avg > 7:
		return "advanced"
	case countContained(lower, intermediateIndicators) > 0 || avg > 5:
		return "intermediate"
	default:
		return "beginner"
	}
}

// Tags returns the sorted set of language and topic tags found in content
func Tags(content, contentType string) []string {
	lower := strings.ToLower(content)
	set := make(map[string]bool)

	if strings.Contains(lower, "english") {
		set["english"] = true
	}
	if strings.Contains(lower, "vietnamese") || strings.Contains(lower, "tiếng việt") {
		set["vietnamese"] = true
	}

	var candidates []string
	switch contentType {
	case "grammar":
		candidates = grammarTags
	case "vocabulary":
		candidates = vocabularyTags
	}
	for _, tag := range candidates {
		if strings.Contains(lower, tag) {
			set[tag] = true
		}
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func countContained(lower string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}
