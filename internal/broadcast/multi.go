package broadcast

import (
	"context"
	"errors"
)

// Multi publishes to and subscribes on several buses at once.
type Multi struct {
	buses []Bus
}

// NewMulti combines buses. Nil entries are ignored.
func NewMulti(buses ...Bus) *Multi {
	m := &Multi{}
	for _, b := range buses {
		if b != nil {
			m.buses = append(m.buses, b)
		}
	}
	return m
}

// Publish sends m on every bus and joins their errors.
func (m *Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, b := range m.buses {
		if err := b.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers h on every bus. It fails only if every bus fails.
func (m *Multi) Subscribe(h Handler) (func(), error) {
	var cancels []func()
	var errs []error
	for _, b := range m.buses {
		cancel, err := b.Subscribe(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cancels = append(cancels, cancel)
	}
	if len(cancels) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}, nil
}

// Close closes every bus.
func (m *Multi) Close() error {
	var errs []error
	for _, b := range m.buses {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
