// Package events announces script rotations to downstream consumers.
// Sign traffic keeps flowing whether or not anyone is listening; the
// publisher is notification-only and never blocks a script update.
package events

import (
	"context"

	"signd/internal/signing"
)

// NoOpPublisher drops rotation events. It is useful for running the
// service without a configured broker.
type NoOpPublisher struct{}

// Publish for NoOpPublisher does nothing and always returns nil.
func (NoOpPublisher) Publish(_ context.Context, _ signing.RotationEvent) error {
	return nil
}

// Close for NoOpPublisher does nothing and always returns nil.
func (NoOpPublisher) Close() error {
	return nil
}
