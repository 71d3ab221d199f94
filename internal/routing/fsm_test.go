package routing_test

import (
	"slices"
	"testing"

	"github.com/dantte-lp/gobrm/internal/routing"
)

// TestFSMTransitionTable verifies every transition in the RS/RA state
// machine: the explicit entries plus the silently ignored pairs.
func TestFSMTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       routing.State
		event       routing.Event
		wantState   routing.State
		wantChanged bool
		wantActions []routing.Action
	}{
		// =============================================================
		// Stopped state
		// =============================================================
		{
			name:        "Stopped+Started->Soliciting",
			state:       routing.StateStopped,
			event:       routing.EventStarted,
			wantState:   routing.StateSoliciting,
			wantChanged: true,
			wantActions: []routing.Action{routing.ActionDrainTable, routing.ActionScheduleSolicit},
		},
		{
			name:        "Stopped+Stopped ignored",
			state:       routing.StateStopped,
			event:       routing.EventStopped,
			wantState:   routing.StateStopped,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Stopped+RecvSolicit ignored",
			state:       routing.StateStopped,
			event:       routing.EventRecvSolicit,
			wantState:   routing.StateStopped,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Stopped+PolicyTimer ignored",
			state:       routing.StateStopped,
			event:       routing.EventPolicyTimer,
			wantState:   routing.StateStopped,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Stopped+StaleTimer ignored",
			state:       routing.StateStopped,
			event:       routing.EventStaleTimer,
			wantState:   routing.StateStopped,
			wantChanged: false,
			wantActions: nil,
		},

		// =============================================================
		// Soliciting state — RFC 4861 Section 6.3.7
		// =============================================================
		{
			name:        "Soliciting+SolicitAttempt self-loop",
			state:       routing.StateSoliciting,
			event:       routing.EventSolicitAttempt,
			wantState:   routing.StateSoliciting,
			wantChanged: false,
			wantActions: []routing.Action{routing.ActionSendSolicit},
		},
		{
			name:        "Soliciting+SolicitFinished->Advertising",
			state:       routing.StateSoliciting,
			event:       routing.EventSolicitFinished,
			wantState:   routing.StateAdvertising,
			wantChanged: true,
			wantActions: []routing.Action{routing.ActionDiscardStaleEntries, routing.ActionEvaluatePolicy},
		},
		{
			name:        "Soliciting+RecvSolicit self-loop no actions",
			state:       routing.StateSoliciting,
			event:       routing.EventRecvSolicit,
			wantState:   routing.StateSoliciting,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Soliciting+PolicyTimer evaluates without advertising",
			state:       routing.StateSoliciting,
			event:       routing.EventPolicyTimer,
			wantState:   routing.StateSoliciting,
			wantChanged: false,
			wantActions: []routing.Action{routing.ActionEvaluatePolicy},
		},
		{
			name:        "Soliciting+Stopped->Stopped with final RA",
			state:       routing.StateSoliciting,
			event:       routing.EventStopped,
			wantState:   routing.StateStopped,
			wantChanged: true,
			wantActions: []routing.Action{routing.ActionSendFinalAdvert},
		},
		{
			name:        "Soliciting+StaleTimer ignored",
			state:       routing.StateSoliciting,
			event:       routing.EventStaleTimer,
			wantState:   routing.StateSoliciting,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Soliciting+Started ignored",
			state:       routing.StateSoliciting,
			event:       routing.EventStarted,
			wantState:   routing.StateSoliciting,
			wantChanged: false,
			wantActions: nil,
		},

		// =============================================================
		// Advertising state — RFC 4861 Sections 6.2.4, 6.2.6
		// =============================================================
		{
			name:        "Advertising+PolicyTimer self-loop",
			state:       routing.StateAdvertising,
			event:       routing.EventPolicyTimer,
			wantState:   routing.StateAdvertising,
			wantChanged: false,
			wantActions: []routing.Action{routing.ActionEvaluatePolicy},
		},
		{
			name:        "Advertising+RecvSolicit schedules reply (Section 6.2.6)",
			state:       routing.StateAdvertising,
			event:       routing.EventRecvSolicit,
			wantState:   routing.StateAdvertising,
			wantChanged: false,
			wantActions: []routing.Action{routing.ActionScheduleReplyAdvert},
		},
		{
			name:        "Advertising+StaleTimer->Soliciting keeps table",
			state:       routing.StateAdvertising,
			event:       routing.EventStaleTimer,
			wantState:   routing.StateSoliciting,
			wantChanged: true,
			wantActions: []routing.Action{routing.ActionScheduleSolicit},
		},
		{
			name:        "Advertising+Stopped->Stopped with final RA",
			state:       routing.StateAdvertising,
			event:       routing.EventStopped,
			wantState:   routing.StateStopped,
			wantChanged: true,
			wantActions: []routing.Action{routing.ActionSendFinalAdvert},
		},
		{
			name:        "Advertising+SolicitAttempt ignored",
			state:       routing.StateAdvertising,
			event:       routing.EventSolicitAttempt,
			wantState:   routing.StateAdvertising,
			wantChanged: false,
			wantActions: nil,
		},
		{
			name:        "Advertising+Started ignored",
			state:       routing.StateAdvertising,
			event:       routing.EventStarted,
			wantState:   routing.StateAdvertising,
			wantChanged: false,
			wantActions: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := routing.ApplyEvent(tt.state, tt.event)

			if res.OldState != tt.state {
				t.Errorf("OldState = %s, want %s", res.OldState, tt.state)
			}
			if res.NewState != tt.wantState {
				t.Errorf("NewState = %s, want %s", res.NewState, tt.wantState)
			}
			if res.Changed != tt.wantChanged {
				t.Errorf("Changed = %t, want %t", res.Changed, tt.wantChanged)
			}
			if !slices.Equal(res.Actions, tt.wantActions) {
				t.Errorf("Actions = %v, want %v", res.Actions, tt.wantActions)
			}
		})
	}
}

// TestFSMStrings keeps the debug names stable for log greppability.
func TestFSMStrings(t *testing.T) {
	t.Parallel()

	if routing.StateStopped.String() != "Stopped" ||
		routing.StateSoliciting.String() != "Soliciting" ||
		routing.StateAdvertising.String() != "Advertising" {
		t.Error("state names changed")
	}

	if routing.EventStarted.String() != "Started" ||
		routing.EventStaleTimer.String() != "StaleTimer" {
		t.Error("event names changed")
	}

	if routing.ActionSendFinalAdvert.String() != "SendFinalAdvert" ||
		routing.ActionDrainTable.String() != "DrainTable" {
		t.Error("action names changed")
	}
}
