package agent

// Builtins returns the stock catalog of agent kinds.
func Builtins() []AgentKind {
	return []AgentKind{
		{
			Name:             "supervisor",
			DisplayName:      "Supervisor Agent",
			Description:      "Strategic planning and goal definition for policy initiatives",
			RequiredInputs:   []string{"goal", "constraints"},
			OptionalInputs:   []string{"simulation_data", "stakeholder_input"},
			OutputCategories: []string{"strategy", "objectives", "success_metrics"},
			Capabilities:     Capabilities{AnalyzesData: true, MakesRecommendations: true},
		},
		{
			Name:             "simulation",
			DisplayName:      "Simulation Agent",
			Description:      "Run policy impact simulations with urban data",
			RequiredInputs:   []string{"city"},
			OptionalInputs:   []string{"policy_actions", "time_horizon", "focus_areas"},
			OutputCategories: []string{"analysis", "metrics", "projections"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true},
		},
		{
			Name:             "debate",
			DisplayName:      "Debate Agent",
			Description:      "Generate pro/con arguments for policy decisions",
			RequiredInputs:   []string{"policy_text"},
			OptionalInputs:   []string{"simulation_results", "rounds", "stakeholder_views"},
			OutputCategories: []string{"arguments", "sentiment_analysis", "risk_scores"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true},
			ContextKinds:     []string{"simulation"},
		},
		{
			Name:             "aggregator",
			DisplayName:      "Aggregator Agent",
			Description:      "Compile comprehensive reports from all agent outputs",
			OptionalInputs:   []string{"simulation_data", "debate_data", "report_sections", "format"},
			OutputCategories: []string{"report", "executive_summary", "recommendations"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true, CreatesVisualizations: true},
		},
		{
			Name:             "report",
			DisplayName:      "Report Agent",
			Description:      "Generate detailed analytical reports on any aspect",
			RequiredInputs:   []string{"topic"},
			OptionalInputs:   []string{"data_sources", "report_type", "target_audience"},
			OutputCategories: []string{"markdown", "pdf", "html", "data_tables"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true, CreatesVisualizations: true},
		},
		{
			Name:             "media_calling",
			DisplayName:      "Media Calling Agent",
			Description:      "Contact and coordinate with media outlets and journalists",
			RequiredInputs:   []string{"message", "media_list"},
			OptionalInputs:   []string{"urgency", "follow_up_schedule"},
			OutputCategories: []string{"call_scripts", "email_templates", "media_kit", "contact_log"},
			Capabilities:     Capabilities{GeneratesContent: true, CommunicatesExternally: true, MakesRecommendations: true},
		},
		{
			Name:             "planning",
			DisplayName:      "Planning Agent",
			Description:      "Create strategic plans for publishing and government initiatives",
			RequiredInputs:   []string{"objective", "timeline"},
			OptionalInputs:   []string{"budget", "resources", "constraints"},
			OutputCategories: []string{"action_plan", "timeline", "milestones", "resources"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true, MakesRecommendations: true},
		},
		{
			Name:             "consulting",
			DisplayName:      "Consulting Agent",
			Description:      "Provide expert advice and discuss potential changes",
			RequiredInputs:   []string{"issue"},
			OptionalInputs:   []string{"constraints", "preferences"},
			OutputCategories: []string{"recommendations", "trade_offs", "risk_analysis", "alternatives"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true, MakesRecommendations: true},
		},
		{
			Name:             "pitch_deck",
			DisplayName:      "Pitch Deck Creator",
			Description:      "Create compelling slide decks and pitch presentations",
			RequiredInputs:   []string{"topic", "key_points"},
			OptionalInputs:   []string{"audience", "duration", "style"},
			OutputCategories: []string{"pptx", "pdf", "slide_content", "speaker_notes"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true, CreatesVisualizations: true},
		},
		{
			Name:             "news",
			DisplayName:      "News Agent",
			Description:      "Generate news articles and press releases",
			RequiredInputs:   []string{"event", "facts"},
			OptionalInputs:   []string{"angle", "target_publication"},
			OutputCategories: []string{"news_article", "press_release", "social_snippets"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true},
		},
		{
			Name:             "public_comms",
			DisplayName:      "Public Communications Agent",
			Description:      "Generate public communications and messaging campaigns",
			RequiredInputs:   []string{"message", "target_audience"},
			OptionalInputs:   []string{"channels", "tone"},
			OutputCategories: []string{"talking_points", "social_media", "press_release"},
			Capabilities:     Capabilities{GeneratesContent: true, CommunicatesExternally: true},
		},
		{
			Name:             "data_analyst",
			DisplayName:      "Data Analyst Agent",
			Description:      "Deep dive analysis of simulation and urban data",
			RequiredInputs:   []string{"dataset", "analysis_questions"},
			OptionalInputs:   []string{"visualization_type", "comparison_baseline"},
			OutputCategories: []string{"analysis_report", "charts", "statistics", "insights"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true, CreatesVisualizations: true},
		},
		{
			Name:             "social_media",
			DisplayName:      "Social Media Agent",
			Description:      "Manage social media campaigns and content",
			RequiredInputs:   []string{"campaign_goal", "message"},
			OptionalInputs:   []string{"platforms", "schedule", "hashtags"},
			OutputCategories: []string{"posts", "campaign_plan", "content_calendar"},
			Capabilities:     Capabilities{GeneratesContent: true, CommunicatesExternally: true},
		},
		{
			Name:             "stakeholder",
			DisplayName:      "Stakeholder Agent",
			Description:      "Simulate perspectives from different stakeholder groups",
			RequiredInputs:   []string{"stakeholder_type", "policy_proposal"},
			OptionalInputs:   []string{"concerns", "interests"},
			OutputCategories: []string{"feedback", "concerns", "suggestions", "support_level"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true},
		},
		{
			Name:             "policy_writer",
			DisplayName:      "Policy Writer Agent",
			Description:      "Draft formal policy documents and legislation",
			RequiredInputs:   []string{"policy_intent"},
			OptionalInputs:   []string{"legal_framework", "precedents", "constraints"},
			OutputCategories: []string{"policy_draft", "legal_text", "implementation_guide"},
			Capabilities:     Capabilities{AnalyzesData: true, GeneratesContent: true},
		},
	}
}
