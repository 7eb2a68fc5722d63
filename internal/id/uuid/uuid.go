// Package uuid provides listing and event identifier helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// listingNamespace scopes name-based listing PIDs to this service.
var listingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://listing-archiver/listing"))

// Generator derives listing PIDs and mints event IDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// ListingPID returns a stable UUIDv5 for a listing UUID and URL pair, so
// archiving the same listing again lands on the same record.
func (Generator) ListingPID(listingUUID, url string) string {
	return uuid.NewSHA1(listingNamespace, []byte(listingUUID+"\n"+url)).String()
}

// NewID returns a UUIDv7 string, used for event and message ids.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
