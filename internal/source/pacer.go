package source

import (
	"context"
	"time"
)

// pacer releases one frame per ticker period
type pacer struct {
	ticker *time.Ticker
}

func newPacer(fps float64) *pacer {
	return &pacer{ticker: time.NewTicker(time.Duration(float64(time.Second) / fps))}
}

func (p *pacer) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ticker.C:
		return nil
	}
}

func (p *pacer) stop() {
	p.ticker.Stop()
}
