// Package policy implements the pure task-transition checker and the
// gate-to-approver table. It performs no I/O at check time: identical inputs
// always yield identical verdicts, and unknown transitions are denied.
package policy

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// State is a task lifecycle state.
type State string

const (
	StateInbox    State = "INBOX"
	StateTriaged  State = "TRIAGED"
	StateReady    State = "READY"
	StateDoing    State = "DOING"
	StateReview   State = "REVIEW"
	StateApproval State = "APPROVAL"
	StateDone     State = "DONE"
	StateBlocked  State = "BLOCKED"
)

// Reason codes carried on deny verdicts. Stable strings: callers branch on
// them programmatically and they appear verbatim in the audit trail.
const (
	ReasonUnknownTransition  = "UNKNOWN_TRANSITION"
	ReasonMissingGroup       = "MISSING_ASSIGNED_GROUP"
	ReasonMissingEvidence    = "MISSING_EVIDENCE"
	ReasonMissingGate        = "MISSING_GATE"
	ReasonMissingApproval    = "MISSING_APPROVAL"
	ReasonNotPreviousState   = "NOT_PREVIOUS_STATE"
	ReasonUnknownGate        = "UNKNOWN_GATE"
	ReasonWrongApproverGroup = "WRONG_APPROVER_GROUP"
	ReasonSelfApproval       = "SELF_APPROVAL"
)

// allStates gates validation of externally supplied state names.
var allStates = map[State]struct{}{
	StateInbox: {}, StateTriaged: {}, StateReady: {}, StateDoing: {},
	StateReview: {}, StateApproval: {}, StateDone: {}, StateBlocked: {},
}

// ParseState validates a state name supplied over the operation surface.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := allStates[st]; !ok {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}

// Context carries the task facts a transition check depends on. The checker
// reads only these fields; it never touches the store.
type Context struct {
	AssignedGroup string
	Gate          string
	HasEvidence   bool
	HasApproval   bool // a recorded approval exists for the task's gate
	PrevState     State
	StrictMode    bool // DOING->REVIEW requires an execution summary
}

// Verdict is the outcome of a transition check.
type Verdict struct {
	Allowed bool
	Reason  string // reason code when denied
}

func allow() Verdict             { return Verdict{Allowed: true} }
func deny(reason string) Verdict { return Verdict{Reason: reason} }

// edges is the fixed directed graph over task states. Guard conditions live
// in Check; this map answers only "is the edge known at all".
var edges = map[State][]State{
	StateInbox:    {StateTriaged},
	StateTriaged:  {StateReady},
	StateReady:    {StateDoing},
	StateDoing:    {StateReview},
	StateReview:   {StateApproval, StateDoing},
	StateApproval: {StateDone, StateReview},
	StateBlocked:  {}, // resume handled explicitly against PrevState
}

// Check validates a requested transition against the graph and its guard
// conditions. Fail-closed: any edge not explicitly known is denied.
func Check(from, to State, pctx Context) Verdict {
	// Any state may enter BLOCKED except BLOCKED itself and terminal DONE.
	if to == StateBlocked {
		if from == StateBlocked || from == StateDone {
			return deny(ReasonUnknownTransition)
		}
		return allow()
	}

	if from == StateBlocked {
		if pctx.PrevState == "" || to != pctx.PrevState {
			return deny(ReasonNotPreviousState)
		}
		return allow()
	}

	known := false
	for _, next := range edges[from] {
		if next == to {
			known = true
			break
		}
	}
	if !known {
		return deny(ReasonUnknownTransition)
	}

	switch {
	case from == StateReady && to == StateDoing:
		if pctx.AssignedGroup == "" {
			return deny(ReasonMissingGroup)
		}
	case from == StateDoing && to == StateReview:
		if pctx.StrictMode && !pctx.HasEvidence {
			return deny(ReasonMissingEvidence)
		}
	case from == StateReview && to == StateApproval:
		if pctx.Gate == "" {
			return deny(ReasonMissingGate)
		}
	case from == StateApproval && to == StateDone:
		if !pctx.HasApproval {
			return deny(ReasonMissingApproval)
		}
	}
	return allow()
}

// GateTable maps each gate to exactly one authorized approving group. It is
// independent of the transition graph and consulted only at approval time.
type GateTable struct {
	gates map[string]string
	admin string
}

// NewGateTable builds a validated table. Every gate must name a non-empty
// approving group, and the administrative group must be set: the override
// path depends on it.
func NewGateTable(gates map[string]string, adminGroup string) (*GateTable, error) {
	if strings.TrimSpace(adminGroup) == "" {
		return nil, fmt.Errorf("admin group must not be empty")
	}
	cleaned := make(map[string]string, len(gates))
	for gate, group := range gates {
		gate = strings.ToLower(strings.TrimSpace(gate))
		group = strings.TrimSpace(group)
		if gate == "" || group == "" {
			return nil, fmt.Errorf("gate table entry %q -> %q is invalid", gate, group)
		}
		cleaned[gate] = group
	}
	return &GateTable{gates: cleaned, admin: strings.TrimSpace(adminGroup)}, nil
}

// ApproverFor returns the single group authorized to approve the gate.
func (t *GateTable) ApproverFor(gate string) (string, bool) {
	group, ok := t.gates[strings.ToLower(strings.TrimSpace(gate))]
	return group, ok
}

// AdminGroup returns the top-level administrative group.
func (t *GateTable) AdminGroup() string { return t.admin }

// IsAdmin reports whether the group is the administrative group.
func (t *GateTable) IsAdmin(group string) bool {
	return group != "" && group == t.admin
}

// CheckApproval enforces the approval-time invariants: the approving group
// must be the group authorized for the gate, and must differ from the task's
// assigned group. Both checks are unconditional.
func (t *GateTable) CheckApproval(gate, approvingGroup, assignedGroup string) Verdict {
	authorized, ok := t.ApproverFor(gate)
	if !ok {
		return deny(ReasonUnknownGate)
	}
	if approvingGroup != authorized {
		return deny(ReasonWrongApproverGroup)
	}
	if approvingGroup == assignedGroup {
		return deny(ReasonSelfApproval)
	}
	return allow()
}

// Version returns a deterministic fingerprint of the rules in effect: the
// transition graph plus the gate table. Every audit row is tagged with it.
func (t *GateTable) Version() string {
	h := fnv.New64a()

	states := make([]string, 0, len(edges))
	for from := range edges {
		states = append(states, string(from))
	}
	sort.Strings(states)
	for _, from := range states {
		for _, to := range edges[State(from)] {
			_, _ = h.Write([]byte(from + ">" + string(to) + "|"))
		}
	}

	gates := make([]string, 0, len(t.gates))
	for gate := range t.gates {
		gates = append(gates, gate)
	}
	sort.Strings(gates)
	for _, gate := range gates {
		_, _ = h.Write([]byte(gate + "=" + t.gates[gate] + "|"))
	}
	_, _ = h.Write([]byte("admin=" + t.admin + "|"))

	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
