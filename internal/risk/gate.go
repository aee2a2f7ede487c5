package risk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/riskflow/pkg/schema"
)

// Decide maps a risk tier and session mode to a policy decision. Unattended
// sessions never get a human to confirm, so every tier that would need a
// confirmation blocks instead.
//
//	tier            safe/interactive  safe/unattended  permissive/interactive  permissive/unattended
//	info_only       proceed           proceed          proceed                 proceed
//	safe_operations proceed           proceed          proceed                 proceed
//	network_access  confirm           block            proceed                 proceed
//	system_changes  confirm           block            confirm                 block
//	destructive     block             block            confirm                 block
//	unknown         confirm           block            confirm                 block
func Decide(tier schema.RiskTier, mode schema.Mode) schema.Decision {
	var d schema.Decision
	switch tier {
	case schema.RiskInfoOnly, schema.RiskSafeOperations:
		return schema.DecisionProceed
	case schema.RiskNetworkAccess:
		if !mode.Safe {
			return schema.DecisionProceed
		}
		d = schema.DecisionRequireConfirmation
	case schema.RiskDestructive:
		if mode.Safe {
			return schema.DecisionBlock
		}
		d = schema.DecisionRequireConfirmation
	default:
		// system_changes, unknown and anything unrecognized
		d = schema.DecisionRequireConfirmation
	}
	if mode.Unattended {
		return schema.DecisionBlock
	}
	return d
}

// Verdict is the gate's answer for one command, with the reason behind it.
type Verdict struct {
	Tier     schema.RiskTier `json:"tier"`
	Decision schema.Decision `json:"decision"`
	Reason   string          `json:"reason"`
}

// Gate applies Decide plus operator-configured rules: deny patterns always
// block, and allow entries skip confirmation for exact commands in
// interactive sessions. Allow entries never override a block.
type Gate struct {
	deny  []*regexp.Regexp
	allow map[string]bool
}

// NewGate compiles the deny patterns and indexes the allow list.
func NewGate(deny, allow []string) (*Gate, error) {
	g := &Gate{allow: make(map[string]bool, len(allow))}
	for _, pattern := range deny {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", pattern, err)
		}
		g.deny = append(g.deny, re)
	}
	for _, cmd := range allow {
		g.allow[normalize(cmd)] = true
	}
	return g, nil
}

// Evaluate decides whether command, classified as tier, may run in mode.
func (g *Gate) Evaluate(command string, tier schema.RiskTier, mode schema.Mode) Verdict {
	if g != nil {
		for _, re := range g.deny {
			if re.MatchString(command) {
				return Verdict{
					Tier:     tier,
					Decision: schema.DecisionBlock,
					Reason:   fmt.Sprintf("command matches denied pattern %s", re.String()),
				}
			}
		}
	}

	d := Decide(tier, mode)
	switch d {
	case schema.DecisionBlock:
		return Verdict{Tier: tier, Decision: d, Reason: fmt.Sprintf("%s is blocked in %s mode", tier, mode)}
	case schema.DecisionRequireConfirmation:
		if g != nil && g.allow[normalize(command)] {
			return Verdict{Tier: tier, Decision: schema.DecisionProceed, Reason: "command is on the allow list"}
		}
		return Verdict{Tier: tier, Decision: d, Reason: fmt.Sprintf("%s requires confirmation in %s mode", tier, mode)}
	default:
		return Verdict{Tier: tier, Decision: d, Reason: fmt.Sprintf("%s is allowed in %s mode", tier, mode)}
	}
}

// BlockedError builds the POLICY_BLOCKED error for a verdict.
func BlockedError(stepID, command string, v Verdict) *schema.Error {
	return schema.NewErrorf(schema.ErrCodePolicyBlocked, "%s", v.Reason).
		WithStep(stepID).
		WithDetails(map[string]any{
			"tier":    string(v.Tier),
			"command": strings.TrimSpace(command),
		})
}
