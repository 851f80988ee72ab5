// Package classifier scores free-form requests against the catalog to pick a
// workflow category, a complexity tier and ranked agent recommendations.
package classifier

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/aristath/taskpilot/internal/catalog"
)

// ErrAmbiguous is returned alongside a usable custom/complex Analysis when no
// category scored above the minimum.
var ErrAmbiguous = errors.New("classification ambiguous")

// Recommendation is one ranked agent candidate.
type Recommendation struct {
	Agent      catalog.AgentType `json:"agent"`
	Score      float64           `json:"score"`
	Confidence float64           `json:"confidence"`
}

// Analysis is the immutable output of Classify.
type Analysis struct {
	Request             string                       `json:"request"`
	Category            catalog.Category             `json:"category"`
	Complexity          catalog.Complexity           `json:"complexity"`
	ComplexityScore     float64                      `json:"complexity_score"`
	Recommendations     []Recommendation             `json:"recommendations"`
	Domains             []catalog.Domain             `json:"domains"`
	CategoryScores      map[catalog.Category]float64 `json:"category_scores"`
	EstimatedDuration   time.Duration                `json:"estimated_duration"`
	TokenBudgetEstimate int                          `json:"token_budget_estimate"`
	Ambiguous           bool                         `json:"ambiguous"`
}

// TopConfidence returns the confidence of the best recommendation, or 0.
func (a Analysis) TopConfidence() float64 {
	if len(a.Recommendations) == 0 {
		return 0
	}
	return a.Recommendations[0].Confidence
}

// RequestContext carries caller-supplied hints.
type RequestContext struct {
	// Extra is scored together with the request, e.g. a project description.
	Extra string
	// Category forces the category when set; scoring still ranks agents.
	Category catalog.Category
}

// Options tunes scoring.
type Options struct {
	TopN          int
	MinScore      float64
	MinConfidence float64
}

// DefaultOptions returns the built-in scoring options.
func DefaultOptions() Options {
	return Options{TopN: 5, MinScore: 1.0, MinConfidence: 0.2}
}

// Classifier is safe for concurrent use; it never mutates the catalog.
type Classifier struct {
	cat    *catalog.Catalog
	opts   Options
	logger *slog.Logger
}

// New returns a classifier over cat. A nil logger uses slog.Default().
func New(cat *catalog.Catalog, opts Options, logger *slog.Logger) *Classifier {
	if opts.TopN <= 0 {
		opts.TopN = DefaultOptions().TopN
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cat: cat, opts: opts, logger: logger}
}

var tierMinutes = map[catalog.Complexity]int{
	catalog.ComplexitySimple:   15,
	catalog.ComplexityModerate: 30,
	catalog.ComplexityComplex:  60,
}

var tierTokenMultiplier = map[catalog.Complexity]float64{
	catalog.ComplexitySimple:   1.0,
	catalog.ComplexityModerate: 1.5,
	catalog.ComplexityComplex:  2.0,
}

// Classify scores request. On ErrAmbiguous the returned Analysis is still
// valid: category custom, complexity complex.
func (c *Classifier) Classify(request string, rc RequestContext) (Analysis, error) {
	text := request
	if rc.Extra != "" {
		text = request + " " + rc.Extra
	}
	tokens := Tokenize(text)
	joined := " " + strings.Join(tokens, " ") + " "

	agentScores := make([]float64, len(c.cat.Agents))
	categoryScores := make(map[catalog.Category]float64)
	domainsSeen := make(map[catalog.Domain]bool)
	type pair struct {
		phrase string
		domain catalog.Domain
	}
	pairsSeen := make(map[pair]bool)

	for i, agent := range c.cat.Agents {
		matched := make(map[string]bool)
		for _, k := range agent.Keywords {
			phrase := strings.Join(Tokenize(k.Phrase), " ")
			if phrase == "" || matched[phrase] {
				continue
			}
			if !strings.Contains(joined, " "+phrase+" ") {
				continue
			}
			matched[phrase] = true
			agentScores[i] += k.Weight

			p := pair{phrase, k.Domain}
			if !pairsSeen[p] {
				pairsSeen[p] = true
				domainsSeen[k.Domain] = true
				categoryScores[c.cat.CategoryFor(k.Domain)] += k.Weight
			}
		}
	}

	a := Analysis{
		Request:         request,
		CategoryScores:  categoryScores,
		Recommendations: c.rank(agentScores),
		Domains:         sortedDomains(domainsSeen),
	}

	best, bestScore := c.bestCategory(categoryScores)
	var err error
	switch {
	case rc.Category != "":
		a.Category = rc.Category
		a.ComplexityScore = c.complexityScore(tokens, len(domainsSeen), categoryScores, bestScore)
		a.Complexity = c.tier(a.ComplexityScore)
	case bestScore < c.opts.MinScore:
		a.Category = catalog.CategoryCustom
		a.Complexity = catalog.ComplexityComplex
		a.Ambiguous = true
		err = ErrAmbiguous
	default:
		a.Category = best
		a.ComplexityScore = c.complexityScore(tokens, len(domainsSeen), categoryScores, bestScore)
		a.Complexity = c.tier(a.ComplexityScore)
	}

	a.EstimatedDuration = time.Duration(tierMinutes[a.Complexity]+5*len(a.Recommendations)) * time.Minute
	a.TokenBudgetEstimate = c.tokenEstimate(a)

	attrs := []any{
		"category", a.Category,
		"complexity", a.Complexity.String(),
		"score", bestScore,
		"confidence", a.TopConfidence(),
	}
	if len(a.Recommendations) > 0 {
		attrs = append(attrs, "top_agent", a.Recommendations[0].Agent)
	}
	switch {
	case err != nil:
		c.logger.Warn("classification ambiguous, degrading to custom plan", attrs...)
	case a.TopConfidence() < c.opts.MinConfidence:
		c.logger.Warn("low classification confidence", append(attrs, "min_confidence", c.opts.MinConfidence)...)
	default:
		c.logger.Info("classified request", attrs...)
	}

	return a, err
}

func (c *Classifier) rank(scores []float64) []Recommendation {
	var total float64
	for _, s := range scores {
		total += s
	}
	if total == 0 {
		return nil
	}

	idx := make([]int, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			idx = append(idx, i)
		}
	}
	// Stable on catalog order so equal scores rank deterministically.
	sort.SliceStable(idx, func(x, y int) bool {
		return scores[idx[x]] > scores[idx[y]]
	})
	if len(idx) > c.opts.TopN {
		idx = idx[:c.opts.TopN]
	}

	recs := make([]Recommendation, len(idx))
	for i, j := range idx {
		recs[i] = Recommendation{
			Agent:      c.cat.Agents[j].Type,
			Score:      scores[j],
			Confidence: scores[j] / total,
		}
	}
	return recs
}

func (c *Classifier) bestCategory(scores map[catalog.Category]float64) (catalog.Category, float64) {
	best := catalog.CategoryCustom
	bestScore := 0.0
	for cat, s := range scores {
		if cat == catalog.CategoryCustom {
			continue
		}
		if s > bestScore || (s == bestScore && s > 0 && c.cat.PriorityOf(cat) < c.cat.PriorityOf(best)) {
			best, bestScore = cat, s
		}
	}
	return best, bestScore
}

func (c *Classifier) complexityScore(tokens []string, domains int, cats map[catalog.Category]float64, top float64) float64 {
	score := float64(domains)

	switch n := len(tokens); {
	case n > 40:
		score += 2
	case n > 20:
		score++
	}

	for _, tok := range tokens {
		for word, w := range c.cat.Indicators {
			if tok == word || strings.HasPrefix(tok, word+"-") {
				score += w
			}
		}
	}

	// Competing categories close to the winner make the request ambiguous.
	contenders := 0
	for _, s := range cats {
		if top > 0 && s >= 0.8*top {
			contenders++
		}
	}
	if contenders > 1 {
		score++
	}
	return score
}

func (c *Classifier) tier(score float64) catalog.Complexity {
	switch {
	case score <= c.cat.Thresholds.SimpleMax:
		return catalog.ComplexitySimple
	case score <= c.cat.Thresholds.ModerateMax:
		return catalog.ComplexityModerate
	default:
		return catalog.ComplexityComplex
	}
}

func (c *Classifier) tokenEstimate(a Analysis) int {
	var base int
	for _, r := range a.Recommendations {
		spec, ok := c.cat.Agent(r.Agent)
		if ok && spec.BaseTokens > 0 {
			base += spec.BaseTokens
		} else {
			base += catalog.DefaultBaseTokens
		}
	}
	if base == 0 {
		base = catalog.DefaultBaseTokens
	}
	return int(float64(base) * tierTokenMultiplier[a.Complexity])
}

func sortedDomains(set map[catalog.Domain]bool) []catalog.Domain {
	out := make([]catalog.Domain, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tokenize lowercases text, splits on anything but letters, digits and '-',
// and strips a plural 's' from words longer than three letters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if f == "" {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = f[:len(f)-1]
		}
		out = append(out, f)
	}
	return out
}
