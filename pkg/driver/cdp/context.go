package cdp

import (
	"context"
)

// combine derives a context from primary, which carries the chromedp
// target, that is also cancelled when secondary is done. Values come from
// primary only.
func combine(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
