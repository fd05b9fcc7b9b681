package types_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

func TestAutomationStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from types.AutomationStatus
		to   types.AutomationStatus
		want bool
	}{
		{"draft to scheduled", types.AutomationStatusDraft, types.AutomationStatusScheduled, true},
		{"scheduled to running", types.AutomationStatusScheduled, types.AutomationStatusRunning, true},
		{"running to completed", types.AutomationStatusRunning, types.AutomationStatusCompleted, true},
		{"running to cancelled", types.AutomationStatusRunning, types.AutomationStatusCancelled, true},
		{"running to paused", types.AutomationStatusRunning, types.AutomationStatusPaused, true},
		{"paused to scheduled", types.AutomationStatusPaused, types.AutomationStatusScheduled, true},
		{"paused to cancelled", types.AutomationStatusPaused, types.AutomationStatusCancelled, true},
		{"draft to running", types.AutomationStatusDraft, types.AutomationStatusRunning, false},
		{"completed to scheduled", types.AutomationStatusCompleted, types.AutomationStatusScheduled, false},
		{"cancelled to scheduled", types.AutomationStatusCancelled, types.AutomationStatusScheduled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt.Value(t, tt.from.CanTransitionTo(tt.to)).Equal(tt.want)
		})
	}
}

func TestParseAutomationStatus(t *testing.T) {
	for _, s := range types.AllAutomationStatuses() {
		t.Run(s.String(), func(t *testing.T) {
			got, err := types.ParseAutomationStatus(s.String())
			gt.NoError(t, err).Required()
			gt.Value(t, got).Equal(s)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := types.ParseAutomationStatus("archived")
		gt.Value(t, err).NotNil()
	})
}
