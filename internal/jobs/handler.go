package jobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler processes tasks of one registered name. The payload arrives as
// raw JSON and must be unmarshaled by the handler.
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// NewTaskHandler wraps a typed function as a Handler. The payload is
// validated at stage entry: malformed JSON is a terminal failure since no
// retry can fix it.
func NewTaskHandler[T any](name string, fn func(ctx context.Context, payload T) error) Handler {
	return &typedHandler[T]{name: name, fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   func(ctx context.Context, payload T) error
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return Terminal(fmt.Errorf("invalid payload for task %q: %w", h.name, err))
	}
	return h.fn(ctx, t)
}
