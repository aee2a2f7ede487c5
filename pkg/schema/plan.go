package schema

import "time"

// Plan is an ad hoc graph of steps produced for one-off execution.
type Plan struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       []PlanStep `json:"steps"`
	CreatedAt   time.Time  `json:"created_at,omitzero"`
}

// PlanStep is one command of a plan. Dependencies may only name steps that
// appear earlier in the same plan.
type PlanStep struct {
	ID                string   `json:"id"`
	Description       string   `json:"description,omitempty"`
	Command           string   `json:"command"`
	RiskLevel         RiskTier `json:"risk_level,omitempty"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	RollbackCommand   string   `json:"rollback_command,omitempty"`
	Timeout           string   `json:"timeout,omitempty"`
}

// PlanAssessment summarizes the risk profile of a plan.
type PlanAssessment struct {
	OverallRisk     RiskTier `json:"overall_risk"`
	SafetyConcerns  []string `json:"safety_concerns,omitempty"`
	NetworkRequired bool     `json:"network_required"`
}
