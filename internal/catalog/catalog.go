package catalog

import (
	"strings"
)

// DefaultBaseTokens is used for agents that declare no base budget.
const DefaultBaseTokens = 5000

// Catalog is read-only configuration consumed by the classifier and planner.
type Catalog struct {
	Agents []AgentSpec
	// Categories maps each domain onto the workflow category it votes for.
	Categories map[Domain]Category
	// Priority breaks ties between equally-scored categories; earlier wins.
	Priority []Category
	Templates map[Category]Template
	// Indicators adjust the complexity score when a word appears.
	Indicators map[string]float64
	Thresholds Thresholds
}

// Agent returns the spec for the given agent type.
func (c *Catalog) Agent(t AgentType) (AgentSpec, bool) {
	for _, a := range c.Agents {
		if a.Type == t {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// NonReentrant reports whether the agent type must run one task at a time.
func (c *Catalog) NonReentrant(t string) bool {
	a, ok := c.Agent(AgentType(t))
	return ok && a.NonReentrant
}

// Template returns the phase skeleton for a category.
func (c *Catalog) Template(cat Category) (Template, bool) {
	t, ok := c.Templates[cat]
	return t, ok
}

// CategoryFor returns the category a domain votes for, or CategoryCustom.
func (c *Catalog) CategoryFor(d Domain) Category {
	if cat, ok := c.Categories[d]; ok {
		return cat
	}
	return CategoryCustom
}

// PriorityOf returns the tie-break rank of a category (lower wins).
func (c *Catalog) PriorityOf(cat Category) int {
	for i, p := range c.Priority {
		if p == cat {
			return i
		}
	}
	return len(c.Priority)
}

// EstimateTokens estimates the cost of running a task description on an agent
// type: the agent's base budget scaled by how heavy the description sounds.
func (c *Catalog) EstimateTokens(t AgentType, description string) int {
	base := DefaultBaseTokens
	if a, ok := c.Agent(t); ok && a.BaseTokens > 0 {
		base = a.BaseTokens
	}

	desc := strings.ToLower(description)
	multiplier := 1.0
	switch {
	case containsAny(desc, "comprehensive", "complete", "detailed"):
		multiplier = 1.5
	case containsAny(desc, "quick", "simple", "basic"):
		multiplier = 0.7
	case containsAny(desc, "autonomous", "coordinate", "multi-agent"):
		multiplier = 2.0
	}
	return int(float64(base) * multiplier)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// clone returns a deep copy so overrides never mutate Default().
func (c *Catalog) clone() *Catalog {
	cp := &Catalog{
		Agents:     make([]AgentSpec, len(c.Agents)),
		Categories: make(map[Domain]Category, len(c.Categories)),
		Priority:   append([]Category(nil), c.Priority...),
		Templates:  make(map[Category]Template, len(c.Templates)),
		Indicators: make(map[string]float64, len(c.Indicators)),
		Thresholds: c.Thresholds,
	}
	for i, a := range c.Agents {
		a.Keywords = append([]Keyword(nil), a.Keywords...)
		a.Phases = append([]Phase(nil), a.Phases...)
		cp.Agents[i] = a
	}
	for k, v := range c.Categories {
		cp.Categories[k] = v
	}
	for k, v := range c.Templates {
		cp.Templates[k] = v
	}
	for k, v := range c.Indicators {
		cp.Indicators[k] = v
	}
	return cp
}
