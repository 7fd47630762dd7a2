// Package navigation selects the top-level stack from session state.
package navigation

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/Dermis/internal/models"
)

// Stack is one of the three mutually exclusive top-level navigation stacks.
type Stack string

const (
	StackAuth       Stack = "auth"
	StackOnboarding Stack = "onboarding"
	StackMain       Stack = "main"
)

// Route picks the stack for a session. It is the only coupling between stacks.
func Route(st models.SessionState) Stack {
	switch {
	case !st.Authenticated():
		return StackAuth
	case !st.HasCompletedOnboarding:
		return StackOnboarding
	default:
		return StackMain
	}
}

// Change is emitted whenever a device's session is published.
type Change struct {
	Stack   Stack               `json:"stack"`
	Session models.SessionState `json:"session"`
}

// SessionSource is the part of the session manager the controller needs.
type SessionSource interface {
	Snapshot(deviceID string) (models.SessionState, error)
	Subscribe(deviceID string) (<-chan models.SessionState, func())
}

// Controller turns session snapshots into navigation changes.
type Controller struct {
	sessions SessionSource
}

// NewController creates a Controller.
func NewController(sessions SessionSource) *Controller {
	return &Controller{sessions: sessions}
}

// Current returns the stack for the device's current session.
func (c *Controller) Current(deviceID string) (Change, error) {
	st, err := c.sessions.Snapshot(deviceID)
	if err != nil {
		return Change{}, err
	}
	return Change{Stack: Route(st), Session: st}, nil
}

// Watch emits the current stack, then one Change per published snapshot,
// until ctx is done. The returned channel is closed on exit.
func (c *Controller) Watch(ctx context.Context, deviceID string) (<-chan Change, error) {
	updates, cancel := c.sessions.Subscribe(deviceID)
	initial, err := c.Current(deviceID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Change, 1)
	out <- initial
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-updates:
				if !ok {
					return
				}
				change := Change{Stack: Route(st), Session: st}
				slog.Debug("Controller.Watch: navigation change", "device", deviceID, "stack", change.Stack)
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
