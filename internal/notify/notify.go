// Package notify delivers attendance mark events to external systems.
package notify

import (
	"context"
	"errors"

	"github.com/kozaktomas/attendance/internal/session"
)

// Notifier delivers one mark event.
type Notifier interface {
	Notify(ctx context.Context, ev session.MarkEvent) error
}

// Multi sends every event to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev session.MarkEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
