package signin

import (
	"errors"
	"sync"

	"appleauth/internal/identity"
)

// ErrCallPending is returned by Result before the call is settled.
var ErrCallPending = errors.New("signin: call not settled")

// CallError is how a rejected call reports its failure.
type CallError struct {
	Message string
	Cause   error
}

func (e *CallError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + " " + e.Cause.Error()
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// Call is one sign-in request travelling from the transport, through a
// provider handler, to the plugin that settles it.
type Call struct {
	DeviceID string
	Launcher identity.Launcher

	mu      sync.Mutex
	handler ProviderHandler
	session *Session
	data    map[string]any
	err     error
	settled bool
}

// NewCall builds a call. An empty deviceID disables resuming pending results.
func NewCall(deviceID string, launcher identity.Launcher) *Call {
	return &Call{DeviceID: deviceID, Launcher: launcher}
}

func (c *Call) bind(handler ProviderHandler, session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	c.session = session
}

// Session returns the session bound by a successful sign-in, if any.
func (c *Call) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// FillResult lets the provider handler add its fields to data.
func (c *Call) FillResult(data map[string]any) {
	c.mu.Lock()
	handler, session := c.handler, c.session
	c.mu.Unlock()

	if handler != nil && session != nil {
		handler.FillResult(session, data)
	}
}

// Resolve settles the call successfully. Only the first Resolve or Reject counts.
func (c *Call) Resolve(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return
	}
	c.settled = true
	c.data = data
}

// Reject settles the call with a failure.
func (c *Call) Reject(message string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return
	}
	c.settled = true
	c.err = &CallError{Message: message, Cause: cause}
}

// Result returns the resolved data or the rejection.
func (c *Call) Result() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settled {
		return nil, ErrCallPending
	}
	return c.data, c.err
}
