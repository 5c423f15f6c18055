package notify

import (
	"context"
	"errors"

	"tickbars/internal/model"
)

// Publisher is implemented by every notifier in this package.
type Publisher interface {
	Publish(ctx context.Context, candles []model.Candle) error
}

// Fanout publishes to every notifier in turn. A failing notifier does not
// stop the others; all errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, candles []model.Candle) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, candles); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
