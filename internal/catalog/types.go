// Package catalog holds the static lookup tables consulted by the classifier
// and planner: agent types, weighted keywords, and phase templates.
package catalog

import (
	"fmt"
	"strings"
)

// AgentType identifies which specialised external capability runs a task.
type AgentType string

const (
	AgentOrchestrator       AgentType = "orchestrator"
	AgentProjectOrganizer   AgentType = "project-organizer"
	AgentCodebaseAnalyzer   AgentType = "codebase-analyzer"
	AgentCodebaseLocator    AgentType = "codebase-locator"
	AgentSecuritySpecialist AgentType = "security-specialist"
	AgentBackendArchitect   AgentType = "backend-architect"
	AgentDeveloper          AgentType = "developer"
	AgentRustDeveloper      AgentType = "rust-expert-developer"
	AgentTestEngineer       AgentType = "test-engineer"
	AgentDevOpsEngineer     AgentType = "devops-engineer"
	AgentMarketAnalyst      AgentType = "competitive-market-analyst"
	AgentWebResearcher      AgentType = "web-search-researcher"
)

// Category is the workflow bucket a request is classified into.
type Category string

const (
	CategoryProjectManagement Category = "project-management"
	CategoryResearch          Category = "research"
	CategorySecurityAudit     Category = "security-audit"
	CategoryDevelopment       Category = "development"
	CategoryCustom            Category = "custom"
)

// TemplateEligible reports whether the category may carry a phase skeleton.
// Whether one exists is up to the catalog; see Catalog.Template.
func (c Category) TemplateEligible() bool {
	return c != CategoryCustom && c != ""
}

// Complexity is the tier derived from the secondary classification score.
// Values are ordered so tiers can be compared with < and >.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return fmt.Sprintf("complexity(%d)", int(c))
	}
}

// ParseComplexity converts a tier name back into a Complexity.
func ParseComplexity(s string) (Complexity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return ComplexitySimple, nil
	case "moderate":
		return ComplexityModerate, nil
	case "complex", "":
		return ComplexityComplex, nil
	}
	return ComplexityComplex, fmt.Errorf("unknown complexity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Complexity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Complexity) UnmarshalText(b []byte) error {
	v, err := ParseComplexity(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Domain is a subject-matter bucket a keyword belongs to.
type Domain string

const (
	DomainManagement  Domain = "management"
	DomainResearch    Domain = "research"
	DomainAnalysis    Domain = "analysis"
	DomainSecurity    Domain = "security"
	DomainDevelopment Domain = "development"
	DomainData        Domain = "data"
	DomainUI          Domain = "ui"
	DomainInfra       Domain = "infra"
	DomainTesting     Domain = "testing"
)

// Phase is one stage of a plan skeleton.
type Phase string

const (
	PhaseDiscovery      Phase = "discovery"
	PhaseImplementation Phase = "implementation"
	PhaseValidation     Phase = "validation"
	PhaseCompletion     Phase = "completion"
)

// Keyword is a phrase whose presence in a request adds Weight to the agents
// that list it and to its Domain.
type Keyword struct {
	Phrase string  `yaml:"phrase"`
	Weight float64 `yaml:"weight"`
	Domain Domain  `yaml:"domain"`
}

// AgentSpec describes one agent type.
type AgentSpec struct {
	Type        AgentType `yaml:"type"`
	Description string    `yaml:"description"`
	Keywords    []Keyword `yaml:"keywords"`
	Phases      []Phase   `yaml:"phases"`
	// NonReentrant agents never run two tasks at the same time.
	NonReentrant bool `yaml:"non_reentrant"`
	BaseTokens   int  `yaml:"base_tokens"`
}

// Fits reports whether the agent is suited to the given phase.
func (a AgentSpec) Fits(p Phase) bool {
	for _, ph := range a.Phases {
		if ph == p {
			return true
		}
	}
	return false
}

// Slot is a task position inside a phase template.
type Slot struct {
	// Description may contain {request}, replaced with the request text.
	Description string      `yaml:"description"`
	Agents      []AgentType `yaml:"agents"` // best-fit candidates, in preference order
	Default     AgentType   `yaml:"default"`
	// Expand produces one task per recommended agent fitting the phase.
	Expand       bool     `yaml:"expand"`
	QualityGate  bool     `yaml:"quality_gate"`
	Optional     bool     `yaml:"optional"`
	Weight       float64  `yaml:"weight"`
	Deliverables []string `yaml:"deliverables"`
}

// PhaseTemplate is the set of slots making up one phase.
type PhaseTemplate struct {
	Phase Phase  `yaml:"phase"`
	Label string `yaml:"label"`
	Slots []Slot `yaml:"slots"`
}

// Template is the phase skeleton for a workflow category.
type Template struct {
	Category Category        `yaml:"category"`
	Name     string          `yaml:"name"`
	Phases   []PhaseTemplate `yaml:"phases"`
}

// Thresholds partition the complexity score into tiers.
type Thresholds struct {
	SimpleMax   float64 `yaml:"simple_max"`
	ModerateMax float64 `yaml:"moderate_max"`
}
