package routing

// This file implements the RS/RA state machine that drives the Routing
// Manager's presence on the infrastructure link (RFC 4861 Section 6.2.4,
// Section 6.3.7). The machine is a pure function over a transition
// table -- no side effects, no RoutingManager dependency. The manager
// translates timer fires and received messages into events, applies
// them, and executes the returned actions.
//
// State diagram:
//
//	            start                solicit count
//	 +---------+ ----> +------------+ exhausted  +-------------+
//	 | Stopped |       | Soliciting | ---------> | Advertising |
//	 +---------+ <---- +------------+            +-------------+
//	       ^    stop         |                          |
//	       +-----------------+--------------------------+
//	                        stop (final retraction RA)

import "fmt"

// State represents the RS/RA state machine state.
type State uint8

const (
	// StateStopped indicates the Routing Manager is not operating on
	// the infrastructure link: disabled, detached from the Thread
	// network, or the interface is down.
	StateStopped State = iota

	// StateSoliciting indicates the initial Router Solicitation
	// sequence is in progress (RFC 4861 Section 6.3.7).
	StateSoliciting

	// StateAdvertising indicates the solicitation sequence completed
	// and periodic Router Advertisements are being sent
	// (RFC 4861 Section 6.2.4).
	StateAdvertising
)

// stateNames maps state values to human-readable strings.
var stateNames = [3]string{
	"Stopped",
	"Soliciting",
	"Advertising",
}

// String returns the human-readable name for the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// Event represents an RS/RA state machine event. Data-dependent
// conditions (solicitation counter) are resolved by the manager before
// the event is applied, the same way received packets are pre-classified.
type Event uint8

const (
	// EventStarted fires when the manager becomes runnable: enabled,
	// Thread attached, and the infrastructure interface running.
	EventStarted Event = iota

	// EventStopped fires when any of the run conditions is lost.
	EventStopped

	// EventSolicitAttempt fires when the solicitation timer expires
	// with transmissions remaining (count < maxRtrSolicitations).
	EventSolicitAttempt

	// EventSolicitFinished fires when the solicitation timer expires
	// after the final transmission (count == maxRtrSolicitations).
	EventSolicitFinished

	// EventRecvSolicit fires when a Router Solicitation arrives from
	// a host on the infrastructure link (RFC 4861 Section 6.2.6).
	EventRecvSolicit

	// EventPolicyTimer fires when the debounced routing policy
	// evaluation timer expires.
	EventPolicyTimer

	// EventStaleTimer fires when a discovered prefix (or the learned
	// RA header) has not been refreshed within the stale window and
	// its continued presence must be re-confirmed.
	EventStaleTimer
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventStarted:
		return "Started"
	case EventStopped:
		return "Stopped"
	case EventSolicitAttempt:
		return "SolicitAttempt"
	case EventSolicitFinished:
		return "SolicitFinished"
	case EventRecvSolicit:
		return "RecvSolicit"
	case EventPolicyTimer:
		return "PolicyTimer"
	case EventStaleTimer:
		return "StaleTimer"
	default:
		return "Unknown"
	}
}

// Action represents a side-effect to execute after a transition.
// Actions are returned as part of FSMResult and executed by the manager
// in order. The FSM itself is a pure function.
type Action uint8

const (
	// ActionDrainTable clears the discovered-prefix table before a
	// fresh start; everything on the link will be re-learned from the
	// solicitation responses.
	ActionDrainTable Action = iota + 1

	// ActionScheduleSolicit schedules the first Router Solicitation
	// after a uniform random delay in [0, maxRtrSolicitationDelay]
	// (RFC 4861 Section 6.3.7).
	ActionScheduleSolicit

	// ActionSendSolicit transmits a Router Solicitation and reschedules
	// the solicitation timer.
	ActionSendSolicit

	// ActionDiscardStaleEntries removes or deprecates discovered
	// entries that were not refreshed during the solicitation window.
	ActionDiscardStaleEntries

	// ActionEvaluatePolicy runs the routing policy evaluator.
	ActionEvaluatePolicy

	// ActionScheduleReplyAdvert schedules a solicited RA within
	// [0, raReplyJitter] (RFC 4861 Section 6.2.6).
	ActionScheduleReplyAdvert

	// ActionSendFinalAdvert transmits the final retraction RA: router
	// lifetime zero and zero lifetimes for all locally owned prefixes,
	// so downstream hosts withdraw state immediately.
	ActionSendFinalAdvert
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionDrainTable:
		return "DrainTable"
	case ActionScheduleSolicit:
		return "ScheduleSolicit"
	case ActionSendSolicit:
		return "SendSolicit"
	case ActionDiscardStaleEntries:
		return "DiscardStaleEntries"
	case ActionEvaluatePolicy:
		return "EvaluatePolicy"
	case ActionScheduleReplyAdvert:
		return "ScheduleReplyAdvert"
	case ActionSendFinalAdvert:
		return "SendFinalAdvert"
	default:
		return "Unknown"
	}
}

// stateEvent is the transition table key: current state + incoming event.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side-effects for a single
// transition.
type transition struct {
	newState State
	actions  []Action
}

// FSMResult holds the outcome of applying an event.
type FSMResult struct {
	// OldState is the state before the event was applied.
	OldState State

	// NewState is the state after the event was applied.
	NewState State

	// Actions lists the side-effects the manager must execute, in order.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	Changed bool
}

// fsmTable is the complete RS/RA transition table. Unlisted
// (state, event) pairs are silently ignored.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// ===================================================================
	// Stopped state
	// ===================================================================
	//
	// Only EventStarted leaves Stopped. Received messages, timer
	// leftovers, and repeated stop requests are ignored.

	// A fresh start drains anything left in the discovered-prefix
	// table from a previous run; the solicitation responses rebuild it.
	{StateStopped, EventStarted}: {
		newState: StateSoliciting,
		actions:  []Action{ActionDrainTable, ActionScheduleSolicit},
	},

	// ===================================================================
	// Soliciting state — RFC 4861 Section 6.3.7
	// ===================================================================

	// Solicitation timer fired with transmissions remaining: send the
	// next RS. The manager handles send failure by rescheduling with
	// the retry delay without incrementing the counter.
	{StateSoliciting, EventSolicitAttempt}: {
		newState: StateSoliciting,
		actions:  []Action{ActionSendSolicit},
	},

	// All solicitations sent and the final response window elapsed:
	// discard prefixes no router refreshed, evaluate policy (which
	// publishes prefixes and emits the first RA), start advertising.
	{StateSoliciting, EventSolicitFinished}: {
		newState: StateAdvertising,
		actions:  []Action{ActionDiscardStaleEntries, ActionEvaluatePolicy},
	},

	// A host's RS during our own solicitation sequence: no reply yet,
	// the first scheduled RA after solicitation will cover it.
	{StateSoliciting, EventRecvSolicit}: {
		newState: StateSoliciting,
		actions:  nil,
	},

	// Policy evaluation triggered while still soliciting (Network Data
	// or table changes): publications are updated but RA emission waits
	// until Advertising.
	{StateSoliciting, EventPolicyTimer}: {
		newState: StateSoliciting,
		actions:  []Action{ActionEvaluatePolicy},
	},

	{StateSoliciting, EventStopped}: {
		newState: StateStopped,
		actions:  []Action{ActionSendFinalAdvert},
	},

	// ===================================================================
	// Advertising state — RFC 4861 Section 6.2.4, 6.2.6
	// ===================================================================

	// Periodic or debounced policy evaluation: recompute publications
	// and emit an RA, subject to transmit pacing.
	{StateAdvertising, EventPolicyTimer}: {
		newState: StateAdvertising,
		actions:  []Action{ActionEvaluatePolicy},
	},

	// RFC 4861 Section 6.2.6: reply to a Router Solicitation with an
	// RA delayed by a random jitter, still obeying minimum RA spacing.
	{StateAdvertising, EventRecvSolicit}: {
		newState: StateAdvertising,
		actions:  []Action{ActionScheduleReplyAdvert},
	},

	// A stale prefix must be re-confirmed: run a fresh solicitation
	// sequence. The table is kept — entries the routers still advertise
	// are refreshed, the rest are removed or deprecated when the
	// sequence finishes.
	{StateAdvertising, EventStaleTimer}: {
		newState: StateSoliciting,
		actions:  []Action{ActionScheduleSolicit},
	},

	{StateAdvertising, EventStopped}: {
		newState: StateStopped,
		actions:  []Action{ActionSendFinalAdvert},
	},
}

// ApplyEvent applies an event to the given state and returns the result.
//
// This is a pure function with no side effects. The caller executes the
// returned actions. If the (state, event) pair has no entry in the
// transition table, the event is silently ignored and FSMResult.Changed
// is false with an empty action list.
func ApplyEvent(currentState State, event Event) FSMResult {
	key := stateEvent{state: currentState, event: event}

	tr, ok := fsmTable[key]
	if !ok {
		return FSMResult{
			OldState: currentState,
			NewState: currentState,
			Actions:  nil,
			Changed:  false,
		}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}
