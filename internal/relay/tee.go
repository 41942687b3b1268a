package relay

import (
	"context"
	"errors"

	"github.com/user/minipy/internal/event"
)

// Tee fans each delivery out to several displays in order.
type Tee []Display

// Append implements Display.
func (t Tee) Append(ctx context.Context, ev event.Event) error {
	var errs []error
	for _, d := range t {
		if err := d.Append(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset implements Display.
func (t Tee) Reset(ctx context.Context) error {
	var errs []error
	for _, d := range t {
		if err := d.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
