// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package byterange

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// Pool issues ranged reads against a Fetcher from a fixed set of
// worker goroutines that take submitted Requests from one shared
// queue, reporting Results as soon as each read lands rather than in
// submission order. Workers and (if configured) the rate limiter
// persist for the pool's lifetime instead of being rebuilt per batch;
// the single-peer StreamRequest builds one pool per StreamFiles call.
type Pool struct {
	fetcher Fetcher
	workers int
	limiter *rate.Limiter

	requests chan Request
	results  chan Result

	wg sync.WaitGroup
}

// NewPool starts a pool of `workers` goroutines reading through
// fetcher. bytesPerSec <= 0 disables rate limiting (unthrottled).
func NewPool(fetcher Fetcher, workers int, bytesPerSec int64) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		fetcher:  fetcher,
		workers:  workers,
		requests: make(chan Request, workers*4),
		results:  make(chan Result, workers*4),
	}
	if bytesPerSec > 0 {
		burst := int(bytesPerSec)
		if burst > maxBurstSize {
			burst = maxBurstSize
		}
		p.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

// maxBurstSize caps the rate limiter's burst so a single huge chunk
// doesn't force an unbounded token reservation.
const maxBurstSize = 256 * 1024

// Submit enqueues req for a worker to pick up. Blocks while the shared
// request queue is full (backpressure), honoring ctx cancellation.
func (p *Pool) Submit(ctx context.Context, req Request) error {
	select {
	case p.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the channel Results are published on, in completion
// order. Callers should read exactly as many Results as Requests
// Submitted in a round.
func (p *Pool) Results() <-chan Result { return p.results }

func (p *Pool) runWorker() {
	defer p.wg.Done()
	ctx := context.Background()

	for req := range p.requests {
		if p.limiter != nil {
			if err := p.waitRateLimit(ctx, int64(len(req.Dst))); err != nil {
				p.results <- Result{Request: req, Err: err}
				continue
			}
		}

		err := p.fetcher.ReadRange(ctx, req.Path, req.Offset, req.Dst)
		if err != nil {
			err = streamerr.Wrap(streamerr.KindBackendError, err, "reading %s [%d:%d]", req.Path, req.Offset, req.Offset+int64(len(req.Dst)))
		}
		p.results <- Result{Request: req, Err: err}
	}
}

// waitRateLimit consumes n bytes worth of tokens, splitting into
// burst-sized reservations so a chunk much larger than the burst
// doesn't deadlock WaitN.
func (p *Pool) waitRateLimit(ctx context.Context, n int64) error {
	burst := int64(p.limiter.Burst())
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := p.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Close stops accepting new requests, waits for in-flight reads to
// finish, and closes the underlying fetcher.
func (p *Pool) Close() error {
	close(p.requests)
	p.wg.Wait()
	close(p.results)
	return p.fetcher.Close()
}
