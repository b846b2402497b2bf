// Package console mirrors conversation traffic to a human-facing support
// console (Slack or Discord). Mirroring is a visualization aid, not a
// system of record: failures are logged and never escalated.
package console

import "context"

// Mirror is the one-way contract the conversation store writes through.
type Mirror interface {
	// MirrorMessage posts one conversation message to the console.
	MirrorMessage(ctx context.Context, phone, role, content string) error

	// Close releases the underlying connection.
	Close() error
}

// Nop is a Mirror that discards everything, used when no console is
// configured.
type Nop struct{}

func (Nop) MirrorMessage(ctx context.Context, phone, role, content string) error { return nil }
func (Nop) Close() error                                                         { return nil }
