// Package approval implements the Approval Queue (C6): human-in-the-loop
// resolution of proposals the gate routed to review.
package approval

import (
	"encoding/json"
	"time"
)

// State is an ApprovalRequest's position in its state machine (spec.md §3).
// Terminal states are irreversible.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// IsTerminal reports whether s is a terminal (irreversible) state.
func (s State) IsTerminal() bool {
	return s == StateApproved || s == StateRejected || s == StateExpired
}

// Decision is one approver's vote.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Approval records a single approver's submission.
type Approval struct {
	Approver string    `json:"approver"`
	Decision Decision  `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Request is an ApprovalRequest (spec.md §3).
type Request struct {
	ID                string     `json:"id"`
	ProposalID        string     `json:"proposal_id"`
	RequiredApprovers int        `json:"required_approvers"`
	State             State      `json:"state"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Approvals         []Approval `json:"approvals"`
}

// ApproveCount returns the number of approve votes cast so far.
func (r Request) ApproveCount() int {
	n := 0
	for _, a := range r.Approvals {
		if a.Decision == DecisionApprove {
			n++
		}
	}
	return n
}

// HasRejection reports whether any reject vote has been cast. A rejection
// is final: it wins regardless of how many approvals exist (scenario S3).
func (r Request) HasRejection() bool {
	for _, a := range r.Approvals {
		if a.Decision == DecisionReject {
			return true
		}
	}
	return false
}

func marshalRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalRequest(data []byte) (Request, error) {
	var r Request
	err := json.Unmarshal(data, &r)
	return r, err
}
