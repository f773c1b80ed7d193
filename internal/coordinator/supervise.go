package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jpillora/backoff"
)

// supervise runs fn until ctx is done. An error or panic restarts fn after a
// capped exponential delay; a run that lasted longer than the cap resets it.
func (c *Coordinator) supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	b := &backoff.Backoff{
		Min:    c.restartMin,
		Max:    c.restartMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		start := time.Now()
		err := runSafely(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("task %s exited", name)
		}
		if time.Since(start) > c.restartMax {
			b.Reset()
		}

		delay := b.Duration()
		n := c.recordRestart(name)
		c.logger.Error().Err(err).Str("task", name).Int64("restarts", n).Dur("delay", delay).Msg("task failed, restarting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func runSafely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (c *Coordinator) recordRestart(name string) int64 {
	c.restartMu.Lock()
	c.restarts[name]++
	n := c.restarts[name]
	c.restartMu.Unlock()
	c.metrics.RecordRestart(name)
	return n
}

// Restarts returns the restart count per task.
func (c *Coordinator) Restarts() map[string]int64 {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()
	out := make(map[string]int64, len(c.restarts))
	for k, v := range c.restarts {
		out[k] = v
	}
	return out
}
