// Package sessionid names a single relstack session for logging and
// the status endpoint, the way skywire-testnet's transport package
// names a transport by a uuid.UUID.
package sessionid

import "github.com/google/uuid"

// ID uniquely names one stack.Engine instance for the lifetime of the
// process.
type ID uuid.UUID

// New returns a fresh random session ID.
func New() ID {
	return ID(uuid.New())
}

// String renders the ID in canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Parse parses a canonical UUID string back into an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, err
	}
	return ID(u), nil
}
