package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Sweep re-queues chronicles for exit markers that no committed span covers yet, such as
// markers whose compaction failed or was lost to a crash. Completed modules are skipped.
// It returns the tickets of the queued jobs.
func (p *Pipeline) Sweep(ctx context.Context) ([]*Ticket, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	modules, err := p.logs.Modules()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		tickets []*Ticket
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range modules {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			markers, err := p.missedMarkers(id)
			if err != nil {
				return fmt.Errorf("pipeline: sweep %s: %w", id, err)
			}
			for _, idx := range markers {
				t, err := p.RequestChronicle(id, idx)
				if err != nil {
					return err
				}
				mu.Lock()
				tickets = append(tickets, t)
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	if len(tickets) > 0 {
		debugLog.Infof("sweep queued %d missed chronicles", len(tickets))
	}
	return tickets, err
}

// missedMarkers lists the module's exit markers past its committed end. A marker at the
// end closes a span that is already committed.
func (p *Pipeline) missedMarkers(moduleID string) ([]int, error) {
	complete, err := p.archive.IsComplete(moduleID)
	if err != nil || complete {
		return nil, err
	}
	end, err := p.archive.LastCommittedEnd(moduleID)
	if err != nil {
		return nil, err
	}
	log, err := p.logs.Get(moduleID)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, idx := range log.ExitMarkers() {
		if idx > end {
			out = append(out, idx)
		}
	}
	return out, nil
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	p       *Pipeline
	cron    *rcron.Cron
	timeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSweeper schedules sweeps with a standard five-field cron expression or a descriptor
// such as "@every 5m".
func NewSweeper(p *Pipeline, schedule string, timeout time.Duration) (*Sweeper, error) {
	s := &Sweeper{p: p, cron: rcron.New(), timeout: timeout}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("pipeline: invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduling. Sweeps stop when ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.cron.Start()
	debugLog.Infof("sweeper started")
	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits up to five seconds for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		debugLog.Warnf("sweeper stop timed out waiting for a running sweep")
	}
	debugLog.Infof("sweeper stopped")
}

// RunOnce performs one sweep immediately.
func (s *Sweeper) RunOnce(ctx context.Context) ([]*Ticket, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.p.Sweep(ctx)
}

func (s *Sweeper) sweep() {
	tickets, err := s.RunOnce(context.Background())
	if err != nil {
		debugLog.Errorf("scheduled sweep failed: %v", err)
		return
	}
	debugLog.Debugf("scheduled sweep queued %d jobs", len(tickets))
}
