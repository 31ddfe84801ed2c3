// Package auth provides the pluggable credential check a Connection
// consults during CONNECT handling. It deliberately knows nothing about
// MQTT packets: callers extract username/password and hand them over.
package auth

import "context"

// Store is the narrow collaborator a Connection calls into when a CONNECT
// carries a username. It reports only pass/fail; a false without error
// means the credentials were checked and rejected, while a non-nil error
// means the check itself could not be completed (e.g. backend down).
type Store interface {
	Authenticate(ctx context.Context, username string, password []byte) (bool, error)
}

// AllowAll is a Store that accepts every username/password pair, including
// anonymous connections. Useful for local development and tests.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, string, []byte) (bool, error) {
	return true, nil
}
