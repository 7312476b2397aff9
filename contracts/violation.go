package contracts

import "time"

// PolicyViolation reports a single failed admission check. A rejected
// message carries zero or more violations, one per failing policy.
type PolicyViolation struct {
	PolicyName string    `json:"policy_name"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewPolicyViolation creates a violation stamped with the current time.
func NewPolicyViolation(policyName, reason string) PolicyViolation {
	return PolicyViolation{
		PolicyName: policyName,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
}
