package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogIsConsistent(t *testing.T) {
	cat := Default()

	seen := make(map[AgentType]bool)
	for _, a := range cat.Agents {
		if seen[a.Type] {
			t.Errorf("duplicate agent type %q", a.Type)
		}
		seen[a.Type] = true
		if len(a.Phases) == 0 {
			t.Errorf("agent %q fits no phase", a.Type)
		}
		for _, k := range a.Keywords {
			if k.Weight <= 0 {
				t.Errorf("agent %q keyword %q has non-positive weight", a.Type, k.Phrase)
			}
			if _, ok := cat.Categories[k.Domain]; !ok {
				t.Errorf("agent %q keyword %q domain %q maps to no category", a.Type, k.Phrase, k.Domain)
			}
		}
	}

	for _, c := range []Category{CategoryProjectManagement, CategoryResearch, CategorySecurityAudit, CategoryDevelopment} {
		tpl, ok := cat.Template(c)
		if !ok {
			t.Fatalf("missing template for %q", c)
		}
		if len(tpl.Phases) < 3 {
			t.Errorf("template %q has %d phases, want at least 3", c, len(tpl.Phases))
		}
		for _, ph := range tpl.Phases {
			for _, s := range ph.Slots {
				if !seen[s.Default] {
					t.Errorf("template %q slot %q default agent %q not in catalog", c, s.Description, s.Default)
				}
				for _, a := range s.Agents {
					if !seen[a] {
						t.Errorf("template %q slot references unknown agent %q", c, a)
					}
				}
			}
		}
	}

	if _, ok := cat.Template(CategoryCustom); ok {
		t.Error("custom category should have no template")
	}
}

func TestDefaultReturnsIndependentCopies(t *testing.T) {
	a := Default()
	a.Indicators["enterprise"] = 99
	a.Priority[0] = CategoryDevelopment

	b := Default()
	if b.Indicators["enterprise"] != 2 {
		t.Errorf("indicator leaked between Default() calls: %v", b.Indicators["enterprise"])
	}
	if b.Priority[0] != CategoryProjectManagement {
		t.Errorf("priority leaked between Default() calls: %v", b.Priority[0])
	}
}

func TestPriorityOf(t *testing.T) {
	cat := Default()
	if cat.PriorityOf(CategorySecurityAudit) >= cat.PriorityOf(CategoryDevelopment) {
		t.Error("security-audit should outrank development")
	}
	if got := cat.PriorityOf(CategoryCustom); got != len(cat.Priority) {
		t.Errorf("PriorityOf(custom) = %d, want %d", got, len(cat.Priority))
	}
}

func TestEstimateTokens(t *testing.T) {
	cat := Default()

	tests := []struct {
		name  string
		agent AgentType
		desc  string
		want  int
	}{
		{"orchestrator base", AgentOrchestrator, "Integrate results", 15000},
		{"analyzer comprehensive", AgentCodebaseAnalyzer, "Comprehensive review", 18000},
		{"security quick", AgentSecuritySpecialist, "quick check", 7000},
		{"locator coordinate", AgentCodebaseLocator, "coordinate search", 10000},
		{"unknown agent", AgentType("mystery"), "do things", DefaultBaseTokens},
		{"first multiplier wins", AgentCodebaseLocator, "complete but quick", 7500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cat.EstimateTokens(tt.agent, tt.desc); got != tt.want {
				t.Errorf("EstimateTokens(%q, %q) = %d, want %d", tt.agent, tt.desc, got, tt.want)
			}
		})
	}
}

func TestComplexityText(t *testing.T) {
	for _, c := range []Complexity{ComplexitySimple, ComplexityModerate, ComplexityComplex} {
		b, err := c.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", c, err)
		}
		var back Complexity
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if back != c {
			t.Errorf("round trip %v -> %q -> %v", c, b, back)
		}
	}

	if _, err := ParseComplexity("enormous"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantErr    bool
		wantAgents int
		check      func(t *testing.T, c *Catalog)
	}{
		{
			name:       "missing file returns defaults",
			content:    "",
			wantAgents: len(Default().Agents),
		},
		{
			name: "override agent and add new one",
			content: `
agents:
  - type: developer
    description: Go developer
    phases: [implementation]
    base_tokens: 9000
    keywords:
      - {phrase: golang, weight: 3, domain: development}
  - type: data-engineer
    phases: [implementation]
    keywords:
      - {phrase: etl, weight: 2, domain: data}
`,
			wantAgents: len(Default().Agents) + 1,
			check: func(t *testing.T, c *Catalog) {
				dev, ok := c.Agent(AgentDeveloper)
				if !ok {
					t.Fatal("developer missing after override")
				}
				if dev.BaseTokens != 9000 || len(dev.Keywords) != 1 {
					t.Errorf("developer not replaced: %+v", dev)
				}
				if _, ok := c.Agent("data-engineer"); !ok {
					t.Error("data-engineer not appended")
				}
			},
		},
		{
			name: "thresholds and indicators",
			content: `
thresholds: {simple_max: 1, moderate_max: 3}
indicators: {legacy: 2}
`,
			wantAgents: len(Default().Agents),
			check: func(t *testing.T, c *Catalog) {
				if c.Thresholds.ModerateMax != 3 {
					t.Errorf("ModerateMax = %v, want 3", c.Thresholds.ModerateMax)
				}
				if c.Indicators["legacy"] != 2 || c.Indicators["enterprise"] != 2 {
					t.Errorf("indicators not merged: %v", c.Indicators)
				}
			},
		},
		{
			name:    "inverted thresholds rejected",
			content: "thresholds: {simple_max: 5, moderate_max: 2}\n",
			wantErr: true,
		},
		{
			name:    "template for custom rejected",
			content: "templates:\n  - category: custom\n",
			wantErr: true,
		},
		{
			name: "new category with its template",
			content: `
categories: {data: analytics}
templates:
  - category: analytics
    name: Analytics
`,
			wantAgents: len(Default().Agents),
			check: func(t *testing.T, c *Catalog) {
				if c.Categories[DomainData] != "analytics" {
					t.Errorf("data domain = %q, want analytics", c.Categories[DomainData])
				}
				if _, ok := c.Template("analytics"); !ok {
					t.Error("analytics template not added")
				}
			},
		},
		{
			name:    "category without template rejected",
			content: "categories: {data: analytics}\n",
			wantErr: true,
		},
		{
			name:       "domain mapped to custom",
			content:    "categories: {data: custom}\n",
			wantAgents: len(Default().Agents),
		},
		{
			name: "zero keyword weight rejected",
			content: `
agents:
  - type: data-engineer
    keywords:
      - {phrase: etl, weight: 0, domain: data}
`,
			wantErr: true,
		},
		{
			name: "negative keyword weight rejected",
			content: `
agents:
  - type: developer
    keywords:
      - {phrase: golang, weight: -2, domain: development}
`,
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			content: "agents: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			if tt.content != "" {
				if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
					t.Fatalf("write catalog: %v", err)
				}
			}

			c, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(c.Agents) != tt.wantAgents {
				t.Errorf("agents = %d, want %d", len(c.Agents), tt.wantAgents)
			}
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}
