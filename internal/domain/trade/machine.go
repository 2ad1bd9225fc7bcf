package trade

import (
	"fmt"
	"strings"

	"github.com/p2p-escrow/trade-engine/internal/domain/event"
)

// Action is a transition request issued by a buyer, seller or arbitrator.
type Action string

const (
	ActionCreate          Action = "CREATE"
	ActionAccept          Action = "ACCEPT"
	ActionMarkPaid        Action = "MARK_PAID"
	ActionConfirmPayment  Action = "CONFIRM_PAYMENT"
	ActionRelease         Action = "RELEASE"
	ActionCancel          Action = "CANCEL"
	ActionDispute         Action = "DISPUTE"
	ActionResolveComplete Action = "RESOLVE_COMPLETE"
	ActionResolveCancel   Action = "RESOLVE_CANCEL"
	ActionAttachReceipt   Action = "ATTACH_RECEIPT"
)

// ParseAction normalizes a client supplied action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range actionOrder {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, s)
}

// Evidence is request side information checked by the machine.
type Evidence struct {
	Payment *PaymentDetails
	Reason  string
}

type edge struct {
	to           Status
	roles        []Role
	needsPayment bool
}

// edges is the complete legal transition table keyed by (state, action).
var edges = map[Status]map[Action]edge{
	StatusPending: {
		ActionAccept: {to: StatusAwaitingPayment, roles: []Role{RoleSeller}},
		ActionCancel: {to: StatusCancelled, roles: []Role{RoleBuyer, RoleSeller}},
	},
	StatusAwaitingPayment: {
		ActionMarkPaid: {to: StatusPaid, roles: []Role{RoleBuyer}, needsPayment: true},
		ActionCancel:   {to: StatusCancelled, roles: []Role{RoleBuyer, RoleSeller}},
		ActionDispute:  {to: StatusDisputed, roles: []Role{RoleBuyer, RoleSeller}},
	},
	StatusPaid: {
		ActionConfirmPayment: {to: StatusAwaitingRelease, roles: []Role{RoleSeller}},
		ActionDispute:        {to: StatusDisputed, roles: []Role{RoleBuyer, RoleSeller}},
	},
	StatusAwaitingRelease: {
		ActionRelease: {to: StatusCompleted, roles: []Role{RoleSeller}},
		ActionDispute: {to: StatusDisputed, roles: []Role{RoleBuyer, RoleSeller}},
	},
	StatusDisputed: {
		ActionResolveComplete: {to: StatusCompleted, roles: []Role{RoleArbitrator}},
		ActionResolveCancel:   {to: StatusCancelled, roles: []Role{RoleArbitrator}},
	},
}

var actionOrder = []Action{
	ActionAccept,
	ActionMarkPaid,
	ActionConfirmPayment,
	ActionRelease,
	ActionCancel,
	ActionDispute,
	ActionResolveComplete,
	ActionResolveCancel,
}

// Decision is the outcome of an accepted transition.
type Decision struct {
	From   Status
	To     Status
	Action Action
	Role   Role
	// Event is the template emitted for this transition; identity fields
	// are stamped by the caller after commit.
	Event event.Event
}

// Transition decides whether role may apply action to a trade in state
// current. The transition shape is validated before the role, and the role
// before the evidence, so malformed requests fail uniformly for any actor.
func Transition(current Status, role Role, action Action, ev *Evidence) (Decision, error) {
	e, ok := edges[current][action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s is not allowed from %s", ErrInvalidTransition, action, current)
	}
	if !hasRole(e.roles, role) {
		return Decision{}, fmt.Errorf("%w: %s cannot %s a %s trade", ErrUnauthorizedActor, roleName(role), action, current)
	}
	if e.needsPayment && (ev == nil || ev.Payment == nil || strings.TrimSpace(ev.Payment.Details) == "") {
		return Decision{}, fmt.Errorf("%w: %s requires a payment details reference", ErrMissingEvidence, action)
	}
	return Decision{
		From:   current,
		To:     e.to,
		Action: action,
		Role:   role,
		Event: event.Event{
			Kind:           event.KindStatusChanged,
			PreviousStatus: string(current),
			NewStatus:      string(e.to),
		},
	}, nil
}

// AllowedActions lists the actions role may currently take.
func AllowedActions(current Status, role Role) []Action {
	out := []Action{}
	for _, a := range actionOrder {
		if e, ok := edges[current][a]; ok && hasRole(e.roles, role) {
			out = append(out, a)
		}
	}
	return out
}

// CanTransitionTo reports whether to is reachable from from in one step.
func CanTransitionTo(from, to Status) bool {
	for _, e := range edges[from] {
		if e.to == to {
			return true
		}
	}
	return false
}

func hasRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func roleName(r Role) string {
	if r == "" {
		return "unknown actor"
	}
	return string(r)
}
