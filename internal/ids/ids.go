// Package ids issues the identifiers shared by every service. UUIDv7
// keeps ids roughly time ordered, which keeps ledger and edge listings
// stable under the secondary id sort.
package ids

import "github.com/google/uuid"

type uuidProvider struct{}

// Provider is the interface every service consumes for id generation.
type Provider interface {
	NewID() (string, error)
}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
