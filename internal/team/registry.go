// Package team holds the static team registry: named groups of agents with
// a lead, loaded from YAML or seeded with the built-in definitions.
package team

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config describes one operational team.
type Config struct {
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Lead        string   `yaml:"lead" json:"lead"`
	Members     []string `yaml:"members" json:"members"`
	Description string   `yaml:"description" json:"description,omitempty"`
}

// Registry is a lookup table over team definitions. Populated at startup;
// Reload swaps the definitions when the teams file changes on disk.
type Registry struct {
	mu    sync.RWMutex
	teams map[string]Config
	order []string
}

// NewRegistry builds a registry from the given definitions.
func NewRegistry(defs []Config) *Registry {
	r := &Registry{}
	r.replace(defs)
	return r
}

func (r *Registry) replace(defs []Config) {
	teams := make(map[string]Config, len(defs))
	var order []string
	for _, def := range defs {
		if _, ok := teams[def.Name]; !ok {
			order = append(order, def.Name)
		}
		teams[def.Name] = def
	}
	r.mu.Lock()
	r.teams = teams
	r.order = order
	r.mu.Unlock()
}

// Reload re-reads the teams file and swaps the definitions in place.
func (r *Registry) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}
	fresh.mu.RLock()
	defs := make([]Config, 0, len(fresh.order))
	for _, name := range fresh.order {
		defs = append(defs, fresh.teams[name])
	}
	fresh.mu.RUnlock()
	r.replace(defs)
	return nil
}

// Load reads team definitions from a YAML file. A missing or empty path
// falls back to the built-in defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(Defaults()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(Defaults()), nil
		}
		return nil, fmt.Errorf("read teams file: %w", err)
	}
	var defs []Config
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse teams file: %w", err)
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("team with empty name in %s", path)
		}
		if len(def.Members) == 0 {
			return nil, fmt.Errorf("team %q has no members", def.Name)
		}
	}
	return NewRegistry(defs), nil
}

// Get returns the team config, or false when the team is unknown.
func (r *Registry) Get(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.teams[name]
	return cfg, ok
}

// Lead returns the team lead, or "" when the team is unknown.
func (r *Registry) Lead(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teams[name].Lead
}

// Members returns the member agents of a team (never the lead).
func (r *Registry) Members(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.teams[name].Members
}

// TeamForAgent finds the team an agent belongs to, as lead or member.
func (r *Registry) TeamForAgent(agent string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		cfg := r.teams[name]
		if cfg.Lead == agent {
			return cfg, true
		}
		for _, m := range cfg.Members {
			if m == agent {
				return cfg, true
			}
		}
	}
	return Config{}, false
}

// Names returns all team names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered teams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.teams)
}

// Defaults returns the built-in operational team definitions.
func Defaults() []Config {
	return []Config{
		{
			Name:        "whatsapp-comms",
			DisplayName: "WhatsApp / Comms",
			Lead:        "HeadCustomer",
			Members:     []string{"WAFlowDesigner", "MessageTemplater", "DeliveryMonitor", "EscalationBot", "ConversationAnalyzer"},
			Description: "Multi-session WhatsApp bridge, message flows, delivery",
		},
		{
			Name:        "sales-crm",
			DisplayName: "Sales / CRM",
			Lead:        "CRO",
			Members:     []string{"LeadScorer", "PipelineOptimizer", "OutreachDrafter", "DealCloser", "QuoteGenerator", "WinLossAnalyzer"},
			Description: "Lead qualification, pipeline management, outreach, deal closing",
		},
		{
			Name:        "marketing-growth",
			DisplayName: "Marketing / Growth",
			Lead:        "CMO",
			Members:     []string{"ContentCreator", "SEOAnalyst", "CampaignRunner", "SocialManager", "AudienceSegmenter"},
			Description: "Demand generation, campaigns, content, SEO",
		},
		{
			Name:        "growth-hacking",
			DisplayName: "Growth Hacking",
			Lead:        "HeadGrowth",
			Members:     []string{"ActivationOptimizer", "RetentionAnalyst", "ReferralEng", "FunnelDesigner"},
			Description: "Activation, retention, referrals, funnel optimization",
		},
		{
			Name:        "customer-success",
			DisplayName: "Customer Success",
			Lead:        "customerVoice",
			Members:     []string{"TicketRouter", "SatisfactionBot", "ChurnPredictor", "FeedbackAggregator", "EscalationHandler"},
			Description: "Support routing, NPS, churn prediction, feedback",
		},
		{
			Name:        "content-brand",
			DisplayName: "Content / Brand",
			Lead:        "founderAdvocate",
			Members:     []string{"CopyWriter", "TranslationBot", "BrandVoiceBot", "AssetManager", "StyleGuardian"},
			Description: "Customer-facing copy, translation, brand voice",
		},
		{
			Name:        "platform-eng",
			DisplayName: "Platform Engineering",
			Lead:        "HeadEngineering",
			Members:     []string{"InfraOps", "ServiceMesh", "DBAdmin", "APIDesigner", "CapacityPlanner"},
			Description: "Core infrastructure, service health, DB, API contracts",
		},
		{
			Name:        "backend",
			DisplayName: "Backend",
			Lead:        "CTO",
			Members:     []string{"SystemDesigner", "DataModeler", "IntegrationEng", "SecurityEng", "MigrationRunner"},
			Description: "Server-side architecture, data modeling, integrations, security",
		},
		{
			Name:        "qa-testing",
			DisplayName: "QA / Testing",
			Lead:        "Reviewer",
			Members:     []string{"TestArchitect", "E2ERunner", "LoadTester", "RegressionBot", "CoverageTracker"},
			Description: "Test strategy, e2e, load testing, regression detection",
		},
		{
			Name:        "ai-ml",
			DisplayName: "AI / ML",
			Lead:        "HeadIntelligenceRisk",
			Members:     []string{"PromptEng", "ModelEval", "RAGSpecialist", "CostTracker"},
			Description: "LLM routing, prompt optimization, RAG, model evaluation",
		},
		{
			Name:        "finance-billing",
			DisplayName: "Finance / Billing",
			Lead:        "CFO",
			Members:     []string{"InvoiceBot", "RevenueTracker", "CostOptimizer", "ComplianceAuditor", "ForecastBot"},
			Description: "Billing, revenue tracking, cost optimization",
		},
		{
			Name:        "legal-compliance",
			DisplayName: "Legal / Compliance",
			Lead:        "EthicsTrustGuardian",
			Members:     []string{"PrivacyAuditor", "TOSMonitor", "DataRetention", "AuditLogger", "FactChecker"},
			Description: "Privacy, terms enforcement, data retention, fact-checking",
		},
		{
			Name:        "strategy-intel",
			DisplayName: "Strategy / Intel",
			Lead:        "Chair",
			Members:     []string{"MarketScanner", "CompetitorTracker", "TrendAnalyst", "PricingAnalyzer"},
			Description: "Market scanning, competitive analysis, trend detection",
		},
		{
			Name:        "governance-pmo",
			DisplayName: "Governance / PMO",
			Lead:        "FocusCapacity",
			Members:     []string{"SprintPlanner", "ResourceAllocator", "RiskMonitor", "ProgressTracker", "MomentumGuardian"},
			Description: "Sprint planning, resource allocation, risk monitoring, continuity",
		},
		{
			Name:        "coaches",
			DisplayName: "Coaches & Skill Trainers",
			Lead:        "FeedbackCoach",
			Members:     []string{"AgentSkillTrainer", "PlaybookCoach", "OnboardingCoach", "ProcessCoach"},
			Description: "Agent training, playbook management, process optimization",
		},
	}
}
