// Package mirror persists the in-progress cart outside process memory so
// a terminal restart can restore an unsubmitted sale.
package mirror

import (
	"context"

	"pharmapos/backend/internal/domain"
)

type CartMirror interface {
	Load(ctx context.Context, terminalID string) (domain.MirroredCart, bool, error)
	Save(ctx context.Context, snapshot domain.MirroredCart) error
	Clear(ctx context.Context, terminalID string) error
}

// NoopCartMirror is used when no mirror backend is configured; carts then
// survive only as long as the process.
type NoopCartMirror struct{}

func (NoopCartMirror) Load(_ context.Context, _ string) (domain.MirroredCart, bool, error) {
	return domain.MirroredCart{}, false, nil
}

func (NoopCartMirror) Save(_ context.Context, _ domain.MirroredCart) error {
	return nil
}

func (NoopCartMirror) Clear(_ context.Context, _ string) error {
	return nil
}
