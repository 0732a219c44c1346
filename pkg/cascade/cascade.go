// Package cascade answers a question through three stages: the knowledge
// base, then web search, then the general model. The first stage whose
// results pass its quality gate terminates the cascade.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/perbu/tutorrag/pkg/llm"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/perbu/tutorrag/pkg/websearch"
	"go.uber.org/zap"
)

var (
	// ErrEmptyQuery indicates Ask was called with a blank question
	ErrEmptyQuery = errors.New("empty query")

	// ErrCascadeExhausted indicates every stage failed, including the model fallback
	ErrCascadeExhausted = errors.New("all answer sources failed")
)

// Apology is returned as the answer text when no stage could answer
const Apology = "Sorry, I could not find an answer to your question right now. Please try again later."

// Stage identifies a step of the cascade
type Stage int

const (
	StageKnowledgeBase Stage = iota
	StageWebSearch
	StageLLMFallback
)

func (s Stage) String() string {
	switch s {
	case StageKnowledgeBase:
		return "knowledge_base"
	case StageWebSearch:
		return "web_search"
	case StageLLMFallback:
		return "llm_fallback"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Reason says why a stage did not terminate the cascade
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoResults
	ReasonBelowThreshold
	ReasonLowQuality
	ReasonError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonNoResults:
		return "no_results"
	case ReasonBelowThreshold:
		return "below_threshold"
	case ReasonLowQuality:
		return "low_quality"
	case ReasonError:
		return "error"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// StageResult records the outcome of one visited stage
type StageResult struct {
	Stage    Stage
	Accepted bool
	Reason   Reason  // ReasonNone when Accepted
	Score    float64 // best KB similarity or web quality score
	Err      error
}

// Config holds the cascade policy
type Config struct {
	SearchThreshold float32       // minimum similarity for a KB hit to be returned
	KBAcceptance    float32       // best KB score needed to answer from the knowledge base
	MinWebQuality   float64       // evaluator score (1-10) needed to answer from the web
	Limit           int           // results per stage
	Timeout         time.Duration // bound on the whole cascade
}

// DefaultConfig returns the standard policy
func DefaultConfig() Config {
	return Config{
		SearchThreshold: 0.4,
		KBAcceptance:    0.7,
		MinWebQuality:   6,
		Limit:           5,
		Timeout:         30 * time.Second,
	}
}

// withDefaults fills the fields where zero has no meaning. Thresholds are
// taken as given so that zero accepts everything.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// KnowledgeBase is the first stage. *rag.Engine satisfies it.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, opts rag.SearchOptions) ([]rag.SearchResult, error)
}

// Answer is the cascade's reply
type Answer struct {
	Text       string
	Stage      Stage // the stage that terminated
	KBResults  []rag.SearchResult
	WebResults []websearch.Result
	Evaluation *Evaluation // set when the web stage was evaluated
	Trace      []StageResult
	Degraded   bool  // true when even the model fallback failed
	Err        error // wraps ErrCascadeExhausted when Degraded
}

// Cascade runs the three answer stages
type Cascade struct {
	kb        KnowledgeBase
	web       websearch.Searcher
	evaluator Evaluator
	completer llm.Completer
	cfg       Config
	logger    *zap.Logger
	metrics   *Metrics
}

// Option configures a Cascade
type Option func(*Cascade)

// WithMetrics records terminations per stage
func WithMetrics(m *Metrics) Option {
	return func(c *Cascade) { c.metrics = m }
}

// New creates a cascade. web and evaluator may be nil to skip the web stage.
func New(kb KnowledgeBase, web websearch.Searcher, evaluator Evaluator, completer llm.Completer, cfg Config, logger *zap.Logger, opts ...Option) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cascade{
		kb:        kb,
		web:       web,
		evaluator: evaluator,
		completer: completer,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective policy
func (c *Cascade) Config() Config { return c.cfg }

// Ask answers query. Stage failures fall through to the next stage; only an
// empty query is returned as an error. When the model fallback also fails the
// answer is Degraded and carries the cause in Answer.Err.
func (c *Cascade) Ask(ctx context.Context, query string, filter rag.Filter) (*Answer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	answer := &Answer{}
	defer func() {
		c.metrics.terminated(answer.Stage, answer.Degraded)
		c.logger.Info("question answered",
			zap.String("stage", answer.Stage.String()),
			zap.Bool("degraded", answer.Degraded),
			zap.Int("stages_visited", len(answer.Trace)),
			zap.Duration("duration", time.Since(start)))
	}()

	kbRes, kbResults := c.knowledgeBase(ctx, query, filter)
	answer.Trace = append(answer.Trace, kbRes)
	if kbRes.Accepted {
		answer.Stage = StageKnowledgeBase
		answer.KBResults = kbResults
		answer.Text = c.composeFromKnowledgeBase(ctx, query, kbResults)
		return answer, nil
	}
	c.logger.Debug("knowledge base stage skipped", zap.Stringer("reason", kbRes.Reason), zap.Float64("best", kbRes.Score), zap.Error(kbRes.Err))

	if c.web != nil && c.evaluator != nil {
		webRes, webResults, eval := c.webSearch(ctx, query)
		answer.Trace = append(answer.Trace, webRes)
		if webRes.Accepted {
			answer.Stage = StageWebSearch
			answer.WebResults = webResults
			answer.Evaluation = eval
			answer.Text = formatWebAnswer(eval, webResults)
			return answer, nil
		}
		c.logger.Debug("web stage skipped", zap.Stringer("reason", webRes.Reason), zap.Float64("quality", webRes.Score), zap.Error(webRes.Err))
	}

	answer.Stage = StageLLMFallback
	text, err := c.fallback(ctx, query)
	if err != nil {
		answer.Trace = append(answer.Trace, StageResult{Stage: StageLLMFallback, Reason: ReasonError, Err: err})
		answer.Degraded = true
		answer.Text = Apology
		answer.Err = fmt.Errorf("%w: %v", ErrCascadeExhausted, err)
		c.logger.Error("model fallback failed", zap.Error(err))
		return answer, nil
	}
	answer.Trace = append(answer.Trace, StageResult{Stage: StageLLMFallback, Accepted: true})
	answer.Text = text
	return answer, nil
}

func (c *Cascade) fallback(ctx context.Context, query string) (string, error) {
	if c.completer == nil {
		return "", errors.New("no model configured")
	}
	return c.completer.Complete(ctx, tutorPrompt(query))
}

func (c *Cascade) knowledgeBase(ctx context.Context, query string, filter rag.Filter) (StageResult, []rag.SearchResult) {
	res := StageResult{Stage: StageKnowledgeBase}
	results, err := c.kb.Search(ctx, query, rag.SearchOptions{
		Limit:     c.cfg.Limit,
		Threshold: c.cfg.SearchThreshold,
		Filter:    filter,
	})
	switch {
	case err != nil:
		res.Reason, res.Err = ReasonError, err
	case len(results) == 0:
		res.Reason = ReasonNoResults
	default:
		// results are ranked, the first is the best
		res.Score = float64(results[0].Score)
		if results[0].Score < c.cfg.KBAcceptance {
			res.Reason = ReasonBelowThreshold
		} else {
			res.Accepted = true
		}
	}
	return res, results
}

func (c *Cascade) webSearch(ctx context.Context, query string) (StageResult, []websearch.Result, *Evaluation) {
	res := StageResult{Stage: StageWebSearch}
	results, err := c.web.Search(ctx, query, c.cfg.Limit)
	if err != nil {
		res.Reason, res.Err = ReasonError, err
		return res, nil, nil
	}
	if len(results) == 0 {
		res.Reason = ReasonNoResults
		return res, nil, nil
	}

	eval, err := c.evaluator.Evaluate(ctx, query, results)
	if err != nil {
		res.Reason, res.Err = ReasonError, err
		return res, nil, nil
	}
	res.Score = eval.QualityScore
	if eval.QualityScore < c.cfg.MinWebQuality || eval.Recommendation == RecommendLLM {
		res.Reason = ReasonLowQuality
		return res, nil, &eval
	}
	res.Accepted = true
	return res, results, &eval
}

// composeFromKnowledgeBase asks the model to answer from the retrieved
// excerpts, or lists the excerpts when the model is unavailable.
func (c *Cascade) composeFromKnowledgeBase(ctx context.Context, query string, results []rag.SearchResult) string {
	if c.completer != nil {
		text, err := c.completer.Complete(ctx, groundedPrompt(query, results))
		if err == nil {
			return text
		}
		c.logger.Warn("grounded answer failed, returning excerpts", zap.Error(err))
	}
	var b strings.Builder
	b.WriteString("From your study materials:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. ", i+1)
		if r.Document.Topic != "" {
			fmt.Fprintf(&b, "[%s] ", r.Document.Topic)
		}
		b.WriteString(r.Excerpt)
	}
	return b.String()
}

func formatWebAnswer(eval *Evaluation, results []websearch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Web results (quality %.0f/10): %s\n", eval.QualityScore, eval.Summary)
	for i, r := range results {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "\n%d. %s (%s)\n%s\n", i+1, r.Title, r.Source, truncate(r.Content, 400))
		if r.URL != "" {
			fmt.Fprintf(&b, "%s\n", r.URL)
		}
	}
	return b.String()
}

func groundedPrompt(query string, results []rag.SearchResult) string {
	var b strings.Builder
	b.WriteString("You are an English tutor for Vietnamese learners. Answer the question using only the study material below.\n")
	b.WriteString("Explain in Vietnamese, keep English examples and grammar rules in English.\n\nStudy material:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, r.Document.Content)
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", query)
	return b.String()
}

func tutorPrompt(query string) string {
	return fmt.Sprintf(`You are an English tutor for Vietnamese learners. Answer the question from your own knowledge.

Rules:
1. Explain in Vietnamese.
2. Keep English examples and grammar rules in English.
3. Give concrete examples.
4. Add a short exercise when it fits.
5. State clearly that the answer comes from general AI knowledge.

Question: %q
`, query)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
