package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/store"
)

// StoreBasedStateManager implements StateManager using a FlowStateRepo backend.
// Read-modify-write cycles are serialised per device.
type StoreBasedStateManager struct {
	store store.FlowStateRepo

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Compile-time check that StoreBasedStateManager implements StateManager.
var _ StateManager = (*StoreBasedStateManager)(nil)

// NewStoreBasedStateManager creates a new StateManager backed by a store.
func NewStoreBasedStateManager(st store.FlowStateRepo) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st, locks: make(map[string]*sync.Mutex)}
}

func (sm *StoreBasedStateManager) lock(deviceID string) func() {
	sm.mu.Lock()
	l, ok := sm.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		sm.locks[deviceID] = l
	}
	sm.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// GetCurrentState retrieves the current state for a device in a flow.
// A device with no state yields "".
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, deviceID string, flowType models.FlowType) (models.StateType, error) {
	flowState, err := sm.store.GetFlowState(deviceID, flowType)
	if err != nil {
		slog.Error("StateManager GetCurrentState error", "error", err, "device", deviceID, "flowType", flowType)
		return "", err
	}
	if flowState == nil {
		return "", nil
	}
	return flowState.CurrentState, nil
}

// GetStateData retrieves additional data associated with the device's state.
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, deviceID string, flowType models.FlowType, key models.DataKey) (string, error) {
	flowState, err := sm.store.GetFlowState(deviceID, flowType)
	if err != nil {
		slog.Error("StateManager GetStateData error", "error", err, "device", deviceID, "flowType", flowType, "key", key)
		return "", err
	}
	if flowState == nil || flowState.StateData == nil {
		return "", nil
	}
	return flowState.StateData[string(key)], nil
}

// TransitionState transitions from one state to another.
func (sm *StoreBasedStateManager) TransitionState(ctx context.Context, deviceID string, flowType models.FlowType, fromState, toState models.StateType, data map[models.DataKey]string) error {
	unlock := sm.lock(deviceID)
	defer unlock()

	err := sm.write(deviceID, flowType, func(fs *models.FlowState) error {
		if fs.CurrentState != fromState {
			return fmt.Errorf("%w: expected %s, current is %s", ErrInvalidTransition, fromState, fs.CurrentState)
		}
		fs.CurrentState = toState
		for k, v := range data {
			fs.StateData[string(k)] = v
		}
		return nil
	})
	if err != nil {
		slog.Warn("StateManager TransitionState rejected", "error", err, "device", deviceID, "flowType", flowType, "from", fromState, "to", toState)
		return err
	}
	slog.Info("StateManager TransitionState succeeded", "device", deviceID, "flowType", flowType, "from", fromState, "to", toState)
	return nil
}

// ResetState removes all state data for a device in a flow.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, deviceID string, flowType models.FlowType) error {
	unlock := sm.lock(deviceID)
	defer unlock()
	if err := sm.store.DeleteFlowState(deviceID, flowType); err != nil {
		slog.Error("StateManager ResetState error", "error", err, "device", deviceID, "flowType", flowType)
		return err
	}
	slog.Info("StateManager ResetState succeeded", "device", deviceID, "flowType", flowType)
	return nil
}

// write loads or creates the flow state, applies fn and saves it.
// Caller must hold the device lock.
func (sm *StoreBasedStateManager) write(deviceID string, flowType models.FlowType, fn func(*models.FlowState) error) error {
	flowState, err := sm.store.GetFlowState(deviceID, flowType)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if flowState == nil {
		flowState = &models.FlowState{
			DeviceID:  deviceID,
			FlowType:  flowType,
			CreatedAt: now,
		}
	}
	if flowState.StateData == nil {
		flowState.StateData = make(map[string]string)
	}
	if err := fn(flowState); err != nil {
		return err
	}
	flowState.UpdatedAt = now
	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager save error", "error", err, "device", deviceID, "flowType", flowType)
		return err
	}
	return nil
}
