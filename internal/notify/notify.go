// Package notify is the push-notification seam. Delivery transport is an
// external collaborator; everything here is best-effort and must never block
// or fail the workflow that triggered it.
package notify

import (
	"context"
	"log"
	"time"
)

type Message struct {
	Title     string
	Body      string
	RouteHint string
}

type Notifier interface {
	Send(ctx context.Context, tokens []string, msg Message) error
}

// Console logs instead of delivering. Dev mode and tests run on it.
type Console struct{}

func (Console) Send(_ context.Context, tokens []string, msg Message) error {
	log.Printf("notify: %q -> %d tokens (route %s)", msg.Title, len(tokens), msg.RouteHint)
	return nil
}

// Dispatch fires a notification without holding up the caller. Errors are
// logged and swallowed.
func Dispatch(n Notifier, timeout time.Duration, tokens []string, msg Message) {
	if n == nil || len(tokens) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := n.Send(ctx, tokens, msg); err != nil {
			log.Printf("notify: send failed: %v", err)
		}
	}()
}
