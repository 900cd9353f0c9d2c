package store

import (
	"context"
	"errors"
)

// Collection names. Every entity maps to one of these.
const (
	Tenants     = "tenants"
	TenantCodes = "tenant_codes"
	Users       = "users"
	Credentials = "credentials"
	Sessions    = "sessions"
	Attendance  = "attendance"
	Polls       = "polls"
	Homework    = "homework"
	Submissions = "submissions"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document already exists")
)

// Filter matches documents whose named top-level JSON field equals the value.
type Filter struct {
	Field string
	Value any
}

// Event is one push update for a subscribed document.
type Event struct {
	Collection string
	ID         string
	Data       []byte
	Deleted    bool
}

// TransformFunc rewrites a document atomically. raw is the current JSON value,
// nil when the document does not exist yet. Returning an error aborts the write
// and is surfaced unchanged to the caller.
type TransformFunc func(raw []byte) ([]byte, error)

// Store is the document read/write/subscribe surface the workflows run against.
// The remote store itself is an external collaborator; both implementations in
// this package are drivers for it, not the system of record design.
type Store interface {
	// Get unmarshals the document into dest. ErrNotFound when absent.
	Get(ctx context.Context, collection, id string, dest any) error
	// Query unmarshals every matching document into dest, which must be a
	// pointer to a slice. All filters must match (conjunction).
	Query(ctx context.Context, collection string, filters []Filter, dest any) error
	// Set writes the full document, creating or overwriting.
	Set(ctx context.Context, collection, id string, doc any) error
	// Create writes the document only if it does not exist. ErrConflict otherwise.
	Create(ctx context.Context, collection, id string, doc any) error
	// Update merges the patch into the existing document's top-level fields.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Transform applies fn to the document under mutual exclusion with every
	// other writer of the same document, then commits the result. This is the
	// commit-time check-and-set primitive for counters and registries.
	Transform(ctx context.Context, collection, id string, fn TransformFunc) error
	// Subscribe returns a push stream for one document. The current value (if
	// any) is delivered first. cancel releases the subscription.
	Subscribe(ctx context.Context, collection, id string) (events <-chan Event, cancel func(), err error)
}
