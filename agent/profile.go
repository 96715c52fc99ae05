package agent

import (
	"fmt"
	"strings"
)

// Profile is the static configuration injected into every planning prompt:
// who the agent is, what it optimizes for, and which actions it may take.
type Profile struct {
	Name         string   `json:"name" yaml:"name"`
	Persona      string   `json:"persona" yaml:"persona"`
	Objective    string   `json:"objective" yaml:"objective"`
	AllowedTools []string `json:"allowed_tools" yaml:"allowed_tools"`
	Constraints  []string `json:"constraints" yaml:"constraints"`
}

// DefaultProfile returns the research-briefing agent profile.
func DefaultProfile() Profile {
	return Profile{
		Name: "DossierOutreachAgent",
		Persona: "Calm, analytical research strategist that plans first, cites sources, " +
			"writes crisp briefings, and drafts professional outreach emails on request.",
		Objective: "Produce competitive/company/topic briefings with concrete facts and " +
			"citations. When asked, draft an outreach email and save artifacts to disk.",
		AllowedTools: []string{"web_search", "web_fetch", "kb_search", "calculator", "file_write", "emailer"},
		Constraints: []string{
			"Always think in steps. Keep internal notes concise.",
			"Prefer trustworthy sources. Keep a running list of citation URLs.",
			"NEVER fabricate URLs or facts.",
		},
	}
}

// SystemPrompt renders the profile into the system message used by every
// reasoning state.
func (p Profile) SystemPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s: %s\n", p.Name, p.Persona)
	fmt.Fprintf(&sb, "Primary Objective: %s\n", p.Objective)
	if len(p.Constraints) > 0 {
		sb.WriteString("\nGeneral guidelines:\n")
		for _, c := range p.Constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	return sb.String()
}

// AllowsTool reports whether the profile permits the named tool. An empty
// AllowedTools list permits everything in the registry.
func (p Profile) AllowsTool(name string) bool {
	if len(p.AllowedTools) == 0 {
		return true
	}
	for _, t := range p.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}
