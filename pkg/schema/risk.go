package schema

// RiskTier classifies how dangerous a command is. Tiers are ordered from
// least to most dangerous; see Rank.
type RiskTier string

const (
	RiskInfoOnly       RiskTier = "info_only"
	RiskSafeOperations RiskTier = "safe_operations"
	RiskNetworkAccess  RiskTier = "network_access"
	RiskSystemChanges  RiskTier = "system_changes"
	RiskDestructive    RiskTier = "destructive"
	RiskUnknown        RiskTier = "unknown"
)

// RiskTiers lists every tier in ascending order of danger.
var RiskTiers = []RiskTier{
	RiskInfoOnly,
	RiskSafeOperations,
	RiskNetworkAccess,
	RiskSystemChanges,
	RiskDestructive,
	RiskUnknown,
}

// Rank returns the position of t in the danger ordering. Unrecognized values
// rank as unknown.
func (t RiskTier) Rank() int {
	for i, tier := range RiskTiers {
		if tier == t {
			return i
		}
	}
	return len(RiskTiers) - 1
}

// Valid reports whether t is one of the defined tiers.
func (t RiskTier) Valid() bool {
	for _, tier := range RiskTiers {
		if tier == t {
			return true
		}
	}
	return false
}

// MaxTier returns the more dangerous of the given tiers. An empty tier is
// ignored; MaxTier() is info_only.
func MaxTier(tiers ...RiskTier) RiskTier {
	out := RiskInfoOnly
	for _, t := range tiers {
		if t == "" {
			continue
		}
		if t.Rank() > out.Rank() {
			out = t
		}
	}
	return out
}

// Mode captures how a session runs: conservative or permissive, and whether a
// human is available to confirm.
type Mode struct {
	Safe       bool `json:"safe"`
	Unattended bool `json:"unattended"`
}

func (m Mode) String() string {
	s := "permissive"
	if m.Safe {
		s = "safe"
	}
	if m.Unattended {
		return s + "/unattended"
	}
	return s + "/interactive"
}

// Decision is the outcome of the policy gate.
type Decision string

const (
	DecisionProceed             Decision = "proceed"
	DecisionRequireConfirmation Decision = "require_confirmation"
	DecisionBlock               Decision = "block"
)

// Verdict is a human answer to a confirmation request.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
	VerdictEdit    Verdict = "edit"
	VerdictRevise  Verdict = "revise"
)
