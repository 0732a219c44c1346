package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/perbu/tutorrag/pkg/llm"
	"github.com/perbu/tutorrag/pkg/websearch"
)

// Recommendations an evaluator may return
const (
	RecommendSearch = "use_search"
	RecommendLLM    = "llm_response"
)

// neutralQuality is assigned when the evaluator reply cannot be parsed
const neutralQuality = 5

// ErrEvaluation indicates the evaluator could not score the results
var ErrEvaluation = errors.New("evaluation failure")

// Evaluation is a model's judgement of web results
type Evaluation struct {
	IsRelevant     bool    `json:"is_relevant"`
	QualityScore   float64 `json:"quality_score"` // 1-10
	Summary        string  `json:"summary"`
	Recommendation string  `json:"recommendation"`
}

// Evaluator scores web results for a query
type Evaluator interface {
	Evaluate(ctx context.Context, query string, results []websearch.Result) (Evaluation, error)
}

// LLMEvaluator asks a model to grade the top three results
type LLMEvaluator struct {
	completer llm.Completer
}

// NewLLMEvaluator creates an evaluator
func NewLLMEvaluator(c llm.Completer) *LLMEvaluator {
	return &LLMEvaluator{completer: c}
}

// Evaluate implements Evaluator. A reply without a decodable JSON object
// yields a neutral evaluation rather than an error.
func (e *LLMEvaluator) Evaluate(ctx context.Context, query string, results []websearch.Result) (Evaluation, error) {
	if len(results) == 0 {
		return Evaluation{Summary: "no results", Recommendation: RecommendLLM}, nil
	}

	reply, err := e.completer.Complete(ctx, evaluationPrompt(query, results))
	if err != nil {
		return Evaluation{}, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}

	if eval, ok := decodeEvaluation(reply); ok {
		eval.QualityScore = min(max(eval.QualityScore, 0), 10)
		return eval, nil
	}
	return Evaluation{
		IsRelevant:     true,
		QualityScore:   neutralQuality,
		Summary:        fmt.Sprintf("found %d results", len(results)),
		Recommendation: RecommendSearch,
	}, nil
}

// decodeEvaluation decodes the first JSON object in reply. Models wrap it in
// prose or code fences, and may add braces after it, so decoding starts at
// each '{' in turn and stops at the end of the object.
func decodeEvaluation(reply string) (Evaluation, bool) {
	for i := strings.IndexByte(reply, '{'); i >= 0; {
		var eval Evaluation
		if err := json.NewDecoder(strings.NewReader(reply[i:])).Decode(&eval); err == nil {
			return eval, true
		}
		next := strings.IndexByte(reply[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return Evaluation{}, false
}

func evaluationPrompt(query string, results []websearch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question: %q\n\nSearch results:\n", query)
	for i, r := range results {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "\nResult %d:\nTitle: %s\nContent: %s\n", i+1, r.Title, truncate(r.Content, 300))
	}
	b.WriteString(`
Evaluate:
1. Are the results relevant to the question?
2. Information quality (1-10).
3. Is there enough information to answer?

Reply with JSON:
{
  "is_relevant": true/false,
  "quality_score": 1-10,
  "summary": "short summary of the results",
  "recommendation": "use_search" or "llm_response"
}

Choose "use_search" when the results are good and relevant, otherwise "llm_response".
`)
	return b.String()
}
