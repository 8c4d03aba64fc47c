package iris

import (
	"errors"
	"fmt"
)

// ErrNoPeers is delivered on a client's receive queue when an outbound
// message has no peer to go to.
var ErrNoPeers = errors.New("no peers connected")

// ErrSocketGone reports that a broker socket was closed underneath the loop.
var ErrSocketGone = errors.New("socket closed")

// ConfigError reports an invalid peer configuration. It is returned
// synchronously from NewEnv and UpdatePeers.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// RegistrationError reports a rejected client registration. It is delivered
// on the rejected client's receive queue; no partial state is retained.
type RegistrationError struct {
	ClientID string
	Reason   string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected for %q: %s", e.ClientID, e.Reason)
}

// InvariantError reports a routing-table inconsistency. It is fatal: the
// broker loop aborts with it instead of continuing on corrupt state.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Detail)
}
