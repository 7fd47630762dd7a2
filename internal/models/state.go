package models

import "time"

// FlowState represents where a device currently is in a flow.
type FlowState struct {
	DeviceID     string            `json:"device_id"`
	FlowType     FlowType          `json:"flow_type"`
	CurrentState StateType         `json:"current_state"`
	StateData    map[string]string `json:"state_data,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// StateTransition represents a transition between states in a flow.
type StateTransition struct {
	FromState StateType `json:"from_state"`
	ToState   StateType `json:"to_state"`
}
