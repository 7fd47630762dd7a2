// Package flow keeps the per-device position in multi-step flows.
package flow

import (
	"context"
	"errors"

	"github.com/BTreeMap/Dermis/internal/models"
)

// ErrInvalidTransition is returned when a device is not in the state a step expects.
var ErrInvalidTransition = errors.New("invalid state transition")

// StateManager defines the interface for managing flow state.
type StateManager interface {
	// GetCurrentState retrieves the current state for a device in a flow
	GetCurrentState(ctx context.Context, deviceID string, flowType models.FlowType) (models.StateType, error)

	// GetStateData retrieves additional data associated with the device's state
	GetStateData(ctx context.Context, deviceID string, flowType models.FlowType, key models.DataKey) (string, error)

	// TransitionState moves from fromState to toState, storing data in the
	// same write. It fails with ErrInvalidTransition when the device is elsewhere.
	TransitionState(ctx context.Context, deviceID string, flowType models.FlowType, fromState, toState models.StateType, data map[models.DataKey]string) error

	// ResetState removes all state data for a device in a flow
	ResetState(ctx context.Context, deviceID string, flowType models.FlowType) error
}
