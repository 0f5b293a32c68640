package protocol

import "fmt"

// QuorumType discriminates quorum rule variants.
type QuorumType string

const (
	QuorumAny      QuorumType = "any"
	QuorumAll      QuorumType = "all"
	QuorumRole     QuorumType = "role"
	QuorumSpecific QuorumType = "specific"
	QuorumMajority QuorumType = "majority"
)

// QuorumRule decides when a gate is approved. Only the fields relevant to
// the variant named by Type are meaningful:
//
//	any      — Count approvals from any eligible approver
//	all      — every eligible approver
//	role     — Count approvals from participants carrying Role
//	specific — every participant listed in Participants
//	majority — strictly more than half of eligible approvers
type QuorumRule struct {
	Type         QuorumType `json:"type"`
	Count        int        `json:"count,omitempty"`
	Role         Role       `json:"role,omitempty"`
	Participants []string   `json:"participants,omitempty"`
}

// Validate rejects malformed rules before they reach the gate engine.
func (q QuorumRule) Validate() error {
	switch q.Type {
	case QuorumAny:
		if q.Count < 1 {
			return fmt.Errorf("quorum any: count must be >= 1, got %d", q.Count)
		}
	case QuorumAll, QuorumMajority:
	case QuorumRole:
		if q.Role == "" {
			return fmt.Errorf("quorum role: role is required")
		}
		if q.Count < 1 {
			return fmt.Errorf("quorum role: count must be >= 1, got %d", q.Count)
		}
	case QuorumSpecific:
		if len(q.Participants) == 0 {
			return fmt.Errorf("quorum specific: participants is required")
		}
	default:
		return fmt.Errorf("unknown quorum type %q", q.Type)
	}
	return nil
}
