package ipc

import (
	"context"
	"time"
)

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// startWSPing pings conn every interval until ctx is done. A failed ping
// calls onFail once and stops.
func startWSPing(ctx context.Context, conn pinger, interval time.Duration, onFail func()) {
	if conn == nil {
		return
	}
	if interval <= 0 {
		interval = wsPingInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				err := conn.Ping(pingCtx)
				cancel()
				if err != nil && ctx.Err() == nil {
					if onFail != nil {
						onFail()
					}
					return
				}
			}
		}
	}()
}
