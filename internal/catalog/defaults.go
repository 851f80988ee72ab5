package catalog

func kw(phrase string, weight float64, d Domain) Keyword {
	return Keyword{Phrase: phrase, Weight: weight, Domain: d}
}

var (
	allPhases   = []Phase{PhaseDiscovery, PhaseImplementation, PhaseValidation, PhaseCompletion}
	buildPhases = []Phase{PhaseImplementation}
)

// Default returns the built-in catalog. Each call returns a fresh copy.
func Default() *Catalog {
	return &Catalog{
		Agents: []AgentSpec{
			{
				Type:        AgentOrchestrator,
				Description: "Coordinates multi-step work and integrates results",
				Keywords: []Keyword{
					kw("plan", 1, DomainManagement),
					kw("coordinate", 1.5, DomainManagement),
					kw("manage", 1, DomainManagement),
					kw("workflow", 1, DomainManagement),
					kw("multiple", 0.5, DomainManagement),
					kw("multi-phase", 2, DomainManagement),
					kw("project", 1, DomainManagement),
				},
				Phases:       allPhases,
				NonReentrant: true,
				BaseTokens:   15000,
			},
			{
				Type:        AgentProjectOrganizer,
				Description: "Restructures and tidies project layout",
				Keywords: []Keyword{
					kw("organize", 1.5, DomainManagement),
					kw("cleanup", 1.5, DomainManagement),
					kw("clean up", 2, DomainManagement),
					kw("reorganize", 2, DomainManagement),
				},
				Phases:     []Phase{PhaseImplementation, PhaseCompletion},
				BaseTokens: 8000,
			},
			{
				Type:        AgentCodebaseAnalyzer,
				Description: "Reads code and explains how it works",
				Keywords: []Keyword{
					kw("analyze", 1, DomainAnalysis),
					kw("review", 1, DomainAnalysis),
					kw("understand", 1, DomainAnalysis),
					kw("document", 1, DomainAnalysis),
					kw("examine", 1, DomainAnalysis),
					kw("architecture", 1, DomainAnalysis),
					kw("code review", 2.5, DomainAnalysis),
				},
				Phases:     []Phase{PhaseDiscovery, PhaseValidation, PhaseCompletion},
				BaseTokens: 12000,
			},
			{
				Type:        AgentCodebaseLocator,
				Description: "Finds files, symbols, and dependencies",
				Keywords: []Keyword{
					kw("find", 1, DomainResearch),
					kw("locate", 1.5, DomainResearch),
					kw("search", 1, DomainResearch),
					kw("discover", 1, DomainResearch),
					kw("where", 0.5, DomainResearch),
					kw("which", 0.5, DomainResearch),
					kw("dependency map", 2.5, DomainResearch),
				},
				Phases:     []Phase{PhaseDiscovery},
				BaseTokens: 5000,
			},
			{
				Type:        AgentSecuritySpecialist,
				Description: "Audits for vulnerabilities and hardens authentication",
				Keywords: []Keyword{
					kw("security", 2, DomainSecurity),
					kw("secure", 1.5, DomainSecurity),
					kw("vulnerability", 2.5, DomainSecurity),
					kw("compliance", 2, DomainSecurity),
					kw("audit", 2, DomainSecurity),
					kw("penetration", 2.5, DomainSecurity),
					kw("auth", 1.5, DomainSecurity),
					kw("authentication", 2, DomainSecurity),
					kw("login", 1.5, DomainSecurity),
					kw("oauth", 2, DomainSecurity),
					kw("encryption", 2, DomainSecurity),
					kw("owasp", 3, DomainSecurity),
				},
				Phases:     allPhases,
				BaseTokens: 10000,
			},
			{
				Type:        AgentBackendArchitect,
				Description: "Designs services, APIs, and data models",
				Keywords: []Keyword{
					kw("api", 1.5, DomainDevelopment),
					kw("backend", 1.5, DomainDevelopment),
					kw("endpoint", 1.5, DomainDevelopment),
					kw("service", 1, DomainDevelopment),
					kw("scalability", 2, DomainDevelopment),
					kw("design", 1, DomainDevelopment),
					kw("database", 1.5, DomainData),
					kw("schema", 1.5, DomainData),
				},
				Phases:     []Phase{PhaseDiscovery, PhaseImplementation},
				BaseTokens: 8000,
			},
			{
				Type:        AgentDeveloper,
				Description: "Writes and changes application code",
				Keywords: []Keyword{
					kw("implement", 1.5, DomainDevelopment),
					kw("build", 1, DomainDevelopment),
					kw("create", 1, DomainDevelopment),
					kw("feature", 1, DomainDevelopment),
					kw("code", 1, DomainDevelopment),
					kw("fix", 1, DomainDevelopment),
					kw("develop", 1.5, DomainDevelopment),
					kw("refactor", 1.5, DomainDevelopment),
					kw("frontend", 1.5, DomainUI),
					kw("ui", 1, DomainUI),
					kw("react", 2, DomainUI),
					kw("component", 1, DomainUI),
				},
				Phases:     buildPhases,
				BaseTokens: 8000,
			},
			{
				Type:        AgentRustDeveloper,
				Description: "Systems and performance work in Rust",
				Keywords: []Keyword{
					kw("rust", 3, DomainDevelopment),
					kw("performance", 1.5, DomainDevelopment),
					kw("systems", 1, DomainDevelopment),
					kw("low-level", 2.5, DomainDevelopment),
					kw("systems programming", 3.5, DomainDevelopment),
				},
				Phases:     buildPhases,
				BaseTokens: 10000,
			},
			{
				Type:        AgentTestEngineer,
				Description: "Writes tests and validates behaviour",
				Keywords: []Keyword{
					kw("test", 1.5, DomainTesting),
					kw("testing", 1.5, DomainTesting),
					kw("unit test", 3, DomainTesting),
					kw("coverage", 2, DomainTesting),
					kw("validate", 1, DomainTesting),
					kw("qa", 2, DomainTesting),
					kw("integration test", 3, DomainTesting),
				},
				Phases:     []Phase{PhaseImplementation, PhaseValidation},
				BaseTokens: 8000,
			},
			{
				Type:        AgentDevOpsEngineer,
				Description: "Deployment, pipelines, and runtime infrastructure",
				Keywords: []Keyword{
					kw("deploy", 1.5, DomainInfra),
					kw("deployment", 1.5, DomainInfra),
					kw("pipeline", 1.5, DomainInfra),
					kw("monitoring", 1.5, DomainInfra),
					kw("ci", 1.5, DomainInfra),
					kw("kubernetes", 2.5, DomainInfra),
					kw("docker", 2, DomainInfra),
				},
				Phases:     []Phase{PhaseImplementation, PhaseCompletion},
				BaseTokens: 8000,
			},
			{
				Type:        AgentMarketAnalyst,
				Description: "Competitive and market research",
				Keywords: []Keyword{
					kw("market", 2, DomainResearch),
					kw("competitive", 2, DomainResearch),
					kw("business", 1.5, DomainResearch),
					kw("strategy", 1.5, DomainResearch),
					kw("competitive analysis", 3.5, DomainResearch),
					kw("pricing", 2, DomainResearch),
				},
				Phases:     []Phase{PhaseDiscovery, PhaseImplementation},
				BaseTokens: 6000,
			},
			{
				Type:        AgentWebResearcher,
				Description: "Gathers and compares information from the web",
				Keywords: []Keyword{
					kw("research", 1.5, DomainResearch),
					kw("investigate", 1.5, DomainResearch),
					kw("web", 1, DomainResearch),
					kw("information", 1, DomainResearch),
					kw("compare", 1, DomainResearch),
					kw("technology evaluation", 3, DomainResearch),
				},
				Phases:     []Phase{PhaseDiscovery, PhaseImplementation},
				BaseTokens: 6000,
			},
		},
		Categories: map[Domain]Category{
			DomainManagement:  CategoryProjectManagement,
			DomainResearch:    CategoryResearch,
			DomainAnalysis:    CategoryResearch,
			DomainSecurity:    CategorySecurityAudit,
			DomainDevelopment: CategoryDevelopment,
			DomainData:        CategoryDevelopment,
			DomainUI:          CategoryDevelopment,
			DomainInfra:       CategoryDevelopment,
			DomainTesting:     CategoryDevelopment,
		},
		Priority: []Category{
			CategoryProjectManagement,
			CategoryResearch,
			CategorySecurityAudit,
			CategoryDevelopment,
		},
		Indicators: map[string]float64{
			"enterprise":    2,
			"production":    2,
			"scalable":      2,
			"comprehensive": 2,
			"multi":         2,
			"secure":        1,
			"robust":        1,
			"complete":      1,
			"full":          1,
			"basic":         -1,
			"simple":        -1,
			"quick":         -1,
			"minimal":       -1,
		},
		Thresholds: Thresholds{SimpleMax: 2, ModerateMax: 5},
		Templates: map[Category]Template{
			CategoryProjectManagement: {
				Category: CategoryProjectManagement,
				Name:     "Project delivery",
				Phases: []PhaseTemplate{
					{Phase: PhaseDiscovery, Label: "Scope the work", Slots: []Slot{
						{Description: "Locate the code and artifacts relevant to: {request}", Agents: []AgentType{AgentCodebaseLocator, AgentCodebaseAnalyzer}, Default: AgentCodebaseLocator, Weight: 1, Deliverables: []string{"file inventory"}},
						{Description: "Break down and sequence the work for: {request}", Agents: []AgentType{AgentOrchestrator}, Default: AgentOrchestrator, Weight: 1, Deliverables: []string{"work breakdown"}},
					}},
					{Phase: PhaseImplementation, Label: "Execute", Slots: []Slot{
						{Description: "Carry out the planned changes for: {request}", Agents: []AgentType{AgentDeveloper, AgentProjectOrganizer, AgentBackendArchitect}, Default: AgentDeveloper, Expand: true, Weight: 2, Deliverables: []string{"changes"}},
					}},
					{Phase: PhaseValidation, Label: "Verify", Slots: []Slot{
						{Description: "Review the delivered changes for: {request}", Agents: []AgentType{AgentCodebaseAnalyzer}, Default: AgentCodebaseAnalyzer, QualityGate: true, Weight: 1, Deliverables: []string{"review verdict"}},
						{Description: "Test the delivered changes for: {request}", Agents: []AgentType{AgentTestEngineer}, Default: AgentTestEngineer, Weight: 1, Deliverables: []string{"test results"}},
					}},
					{Phase: PhaseCompletion, Label: "Wrap up", Slots: []Slot{
						{Description: "Integrate results and summarise outcome of: {request}", Agents: []AgentType{AgentOrchestrator}, Default: AgentOrchestrator, Weight: 1, Deliverables: []string{"summary"}},
						{Description: "Update project documentation for: {request}", Agents: []AgentType{AgentCodebaseAnalyzer}, Default: AgentCodebaseAnalyzer, Optional: true, Weight: 0.5, Deliverables: []string{"documentation"}},
					}},
				},
			},
			CategoryResearch: {
				Category: CategoryResearch,
				Name:     "Research",
				Phases: []PhaseTemplate{
					{Phase: PhaseDiscovery, Label: "Gather sources", Slots: []Slot{
						{Description: "Gather sources and prior work on: {request}", Agents: []AgentType{AgentWebResearcher, AgentCodebaseLocator}, Default: AgentWebResearcher, Weight: 1, Deliverables: []string{"source list"}},
					}},
					{Phase: PhaseImplementation, Label: "Analyse", Slots: []Slot{
						{Description: "Analyse findings on: {request}", Agents: []AgentType{AgentMarketAnalyst, AgentWebResearcher, AgentCodebaseAnalyzer}, Default: AgentWebResearcher, Expand: true, Weight: 2, Deliverables: []string{"analysis"}},
					}},
					{Phase: PhaseValidation, Label: "Cross-check", Slots: []Slot{
						{Description: "Cross-check conclusions against sources for: {request}", Agents: []AgentType{AgentCodebaseAnalyzer}, Default: AgentCodebaseAnalyzer, QualityGate: true, Weight: 1, Deliverables: []string{"verification notes"}},
					}},
					{Phase: PhaseCompletion, Label: "Report", Slots: []Slot{
						{Description: "Write the research report on: {request}", Agents: []AgentType{AgentOrchestrator}, Default: AgentOrchestrator, Weight: 1, Deliverables: []string{"report"}},
						{Description: "Compile an appendix of raw references for: {request}", Agents: []AgentType{AgentWebResearcher}, Default: AgentWebResearcher, Optional: true, Weight: 0.5, Deliverables: []string{"appendix"}},
					}},
				},
			},
			CategorySecurityAudit: {
				Category: CategorySecurityAudit,
				Name:     "Security audit",
				Phases: []PhaseTemplate{
					{Phase: PhaseDiscovery, Label: "Map attack surface", Slots: []Slot{
						{Description: "Map the attack surface relevant to: {request}", Agents: []AgentType{AgentSecuritySpecialist, AgentCodebaseLocator}, Default: AgentSecuritySpecialist, Weight: 1, Deliverables: []string{"attack surface map"}},
					}},
					{Phase: PhaseImplementation, Label: "Assess", Slots: []Slot{
						{Description: "Assess and address security concerns for: {request}", Agents: []AgentType{AgentSecuritySpecialist, AgentDeveloper, AgentBackendArchitect, AgentDevOpsEngineer}, Default: AgentSecuritySpecialist, Expand: true, Weight: 2, Deliverables: []string{"findings", "fixes"}},
					}},
					{Phase: PhaseValidation, Label: "Verify", Slots: []Slot{
						{Description: "Verify compliance and fixes for: {request}", Agents: []AgentType{AgentSecuritySpecialist}, Default: AgentSecuritySpecialist, QualityGate: true, Weight: 1, Deliverables: []string{"compliance verdict"}},
						{Description: "Write regression tests covering: {request}", Agents: []AgentType{AgentTestEngineer}, Default: AgentTestEngineer, Weight: 1, Deliverables: []string{"tests"}},
					}},
					{Phase: PhaseCompletion, Label: "Report", Slots: []Slot{
						{Description: "Write the remediation report for: {request}", Agents: []AgentType{AgentSecuritySpecialist}, Default: AgentSecuritySpecialist, Weight: 1, Deliverables: []string{"remediation report"}},
						{Description: "Write an executive summary for: {request}", Agents: []AgentType{AgentOrchestrator}, Default: AgentOrchestrator, Optional: true, Weight: 0.5, Deliverables: []string{"executive summary"}},
					}},
				},
			},
			CategoryDevelopment: {
				Category: CategoryDevelopment,
				Name:     "Feature development",
				Phases: []PhaseTemplate{
					{Phase: PhaseDiscovery, Label: "Understand the codebase", Slots: []Slot{
						{Description: "Analyse the existing code relevant to: {request}", Agents: []AgentType{AgentCodebaseAnalyzer, AgentCodebaseLocator, AgentBackendArchitect}, Default: AgentCodebaseAnalyzer, Weight: 1, Deliverables: []string{"code analysis"}},
					}},
					{Phase: PhaseImplementation, Label: "Build", Slots: []Slot{
						{Description: "Implement: {request}", Agents: []AgentType{AgentDeveloper, AgentRustDeveloper, AgentBackendArchitect, AgentSecuritySpecialist, AgentDevOpsEngineer}, Default: AgentDeveloper, Expand: true, Weight: 2, Deliverables: []string{"implementation"}},
						{Description: "Write tests for: {request}", Agents: []AgentType{AgentTestEngineer}, Default: AgentTestEngineer, Weight: 1, Deliverables: []string{"tests"}},
					}},
					{Phase: PhaseValidation, Label: "Validate", Slots: []Slot{
						{Description: "Validate the implementation and tests for: {request}", Agents: []AgentType{AgentTestEngineer, AgentCodebaseAnalyzer}, Default: AgentTestEngineer, QualityGate: true, Weight: 1, Deliverables: []string{"validation verdict"}},
					}},
					{Phase: PhaseCompletion, Label: "Integrate", Slots: []Slot{
						{Description: "Integrate and summarise the changes for: {request}", Agents: []AgentType{AgentOrchestrator}, Default: AgentOrchestrator, Weight: 1, Deliverables: []string{"summary"}},
						{Description: "Document the changes for: {request}", Agents: []AgentType{AgentCodebaseAnalyzer}, Default: AgentCodebaseAnalyzer, Optional: true, Weight: 0.5, Deliverables: []string{"documentation"}},
					}},
				},
			},
		},
	}
}
