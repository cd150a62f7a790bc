package gossip

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DialBootstrap dials each bootstrap address on start, retrying with
// exponential backoff until it succeeds or ctx is cancelled.
// Each address is dialed in its own goroutine so one persistently
// unreachable peer never blocks the others.
func DialBootstrap(ctx context.Context, mesh *Mesh, addrs []string, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for _, addr := range addrs {
		go dialWithBackoff(ctx, mesh, addr, log)
	}
}

func dialWithBackoff(ctx context.Context, mesh *Mesh, addr string, log *slog.Logger) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; a bootstrap peer may come up later

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := mesh.Dial(ctx, addr); err != nil {
			wait := bo.NextBackOff()
			log.Warn("gossip: bootstrap dial failed, retrying", "addr", addr, "in", wait, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		log.Info("gossip: bootstrap dial succeeded", "addr", addr)
		return
	}
}
