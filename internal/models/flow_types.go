package models

// FlowType represents a specific per-device flow.
type FlowType string

// StateType represents a specific state within a flow.
type StateType string

// DataKey represents a key for storing state-specific data.
type DataKey string

// Flow type constants.
const (
	FlowTypeOnboarding FlowType = "onboarding"
)

// State constants for the onboarding flow, in order.
const (
	StateFront       StateType = "front"
	StateSide        StateType = "side"
	StateSensitivity StateType = "sensitivity"
	StateSynthesis   StateType = "synthesis"
	StateComplete    StateType = "complete"
)

// OnboardingTransitions lists the only legal forward transitions.
var OnboardingTransitions = []StateTransition{
	{FromState: StateFront, ToState: StateSide},
	{FromState: StateSide, ToState: StateSensitivity},
	{FromState: StateSensitivity, ToState: StateSynthesis},
	{FromState: StateSynthesis, ToState: StateComplete},
}

// Data key constants for the onboarding flow.
const (
	DataKeyFrontConditions DataKey = "frontConditions"
	DataKeyFrontImage      DataKey = "frontImage"
	DataKeyAnalysisResult  DataKey = "analysisResult"
	DataKeySensitivity     DataKey = "sensitivity"
	DataKeySyncPending     DataKey = "syncPending"
)

// IsValidTransition reports whether from -> to is a forward onboarding step.
func IsValidTransition(from, to StateType) bool {
	for _, t := range OnboardingTransitions {
		if t.FromState == from && t.ToState == to {
			return true
		}
	}
	return false
}
