// Package chunker splits cleaned text into overlapping token-bounded windows.
package chunker

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Characters per token assumed when no tokenizer is available.
const charsPerToken = 4

// Furthest the char fallback looks back for a sentence break.
const maxBreakLookback = 200

var (
	// ErrEmptyText indicates nothing was left after cleaning
	ErrEmptyText = errors.New("text is empty after cleaning")

	// ErrInvalidWindow indicates max/overlap violate max > overlap >= 0
	ErrInvalidWindow = errors.New("invalid chunk window")
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f\x{80}-\x{84}\x{86}-\x{9f}]`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Chunk is one window of cleaned text
type Chunk struct {
	Content       string    // The window text
	Index         int       // Position in the chunk sequence
	TokenCount    int       // Tokens in Content
	TextLength    int       // Characters in Content
	StartPosition int       // Character offset in the cleaned text
	Embedding     []float32 // Filled in by the embedding step
}

// Clean strips control characters, collapses whitespace runs and trims.
func Clean(text string) string {
	if text == "" {
		return ""
	}
	text = controlChars.ReplaceAllString(text, "")
	text = whitespace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Chunker splits text by tokens, or by characters when it has no tokenizer.
type Chunker struct {
	tokenizer Tokenizer
}

// New creates a chunker. A nil tokenizer selects character-based splitting.
func New(tok Tokenizer) *Chunker {
	return &Chunker{tokenizer: tok}
}

// CountTokens returns the token count of text, estimated from words
// when no tokenizer is configured.
func (c *Chunker) CountTokens(text string) int {
	if c.tokenizer != nil {
		return len(c.tokenizer.Encode(text))
	}
	return EstimateTokens(text)
}

// EstimateTokens approximates a token count as 1.3 tokens per word
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}

// Chunk cleans text and splits it into windows of at most maxTokens,
// each overlapping the previous one by overlapTokens.
func (c *Chunker) Chunk(text string, maxTokens, overlapTokens int) ([]Chunk, error) {
	if overlapTokens < 0 || maxTokens <= overlapTokens {
		return nil, fmt.Errorf("%w: max %d, overlap %d", ErrInvalidWindow, maxTokens, overlapTokens)
	}

	clean := Clean(text)
	if clean == "" {
		return nil, ErrEmptyText
	}

	if c.tokenizer == nil {
		return c.chunkByChars(clean, maxTokens*charsPerToken, overlapTokens*charsPerToken), nil
	}
	return c.chunkByTokens(clean, maxTokens, overlapTokens), nil
}

func (c *Chunker) chunkByTokens(text string, maxTokens, overlapTokens int) []Chunk {
	tokens := c.tokenizer.Encode(text)
	if len(tokens) <= maxTokens {
		return []Chunk{newChunk(0, text, len(tokens), 0)}
	}

	var chunks []Chunk
	// pos tracks each window's character offset by decoding the span it skips.
	pos := 0
	for start := 0; start < len(tokens); {
		end := c.runeBoundary(tokens, start, min(start+maxTokens, len(tokens)), -1)
		raw := c.tokenizer.Decode(tokens[start:end])
		// BPE tokens carry their leading space; keep offsets on the first visible character.
		lead := utf8.RuneCountInString(raw) - utf8.RuneCountInString(strings.TrimLeftFunc(raw, unicode.IsSpace))
		chunks = append(chunks, newChunk(len(chunks), strings.TrimSpace(raw), end-start, pos+lead))
		if end >= len(tokens) {
			break
		}

		next := c.runeBoundary(tokens, start, max(end-overlapTokens, start+1), 1)
		pos += utf8.RuneCountInString(c.tokenizer.Decode(tokens[start:next]))
		start = next
	}
	return chunks
}

// runeBoundary moves i in direction dir until tokens[start:i] decodes to
// whole characters. Byte-level BPE splits multibyte runes across tokens, and
// a window cut inside one would carry invalid UTF-8. start must itself be a
// boundary. i is returned unchanged when no boundary lies between start and
// the end of tokens.
func (c *Chunker) runeBoundary(tokens []int, start, i, dir int) int {
	for j := i; j > start && j <= len(tokens); j += dir {
		if j == len(tokens) || utf8.ValidString(c.tokenizer.Decode(tokens[start:j])) {
			return j
		}
	}
	return i
}

func (c *Chunker) chunkByChars(text string, maxChars, overlapChars int) []Chunk {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return []Chunk{newChunk(0, text, charTokens(text), 0)}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := min(start+maxChars, len(runes))

		// Not the last window: back up to the nearest sentence break inside the overlap zone.
		if end < len(runes) {
			floor := max(end-overlapChars, end-maxBreakLookback, start+1)
			for i := end - 1; i >= floor; i-- {
				if strings.ContainsRune(".!?;:\n", runes[i]) {
					end = i + 1
					break
				}
			}
		}

		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			chunks = append(chunks, newChunk(len(chunks), content, charTokens(content), start))
		}

		if end >= len(runes) {
			break
		}
		next := end - overlapChars
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// charTokens applies the same 4:1 ratio used to size character windows,
// so a full window never reports more than its token budget.
func charTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

func newChunk(index int, content string, tokens, start int) Chunk {
	return Chunk{
		Content:       content,
		Index:         index,
		TokenCount:    tokens,
		TextLength:    utf8.RuneCountInString(content),
		StartPosition: start,
	}
}
