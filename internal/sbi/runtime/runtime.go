// Package runtime wires the southbound components around one session
// clock and owns their lifecycle.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/sbi"
	"github.com/signalsfoundry/qltr-controller/timectrl"
)

// SwitchLifecycle is the controller side of switch connect and disconnect.
type SwitchLifecycle interface {
	HandshakeSuccessful(ctx context.Context, sw ofp.SwitchHandle) error
	SwitchDisconnected(sw ofp.SwitchHandle)
}

// SBIRuntime encapsulates all SBI components and their lifecycle.
// It owns the scheduler bound to Clock, the switch registry, the Fabric the
// controller sends through, and the stats monitor.
type SBIRuntime struct {
	Clock     *timectrl.TimeController
	Scheduler sbi.EventScheduler
	Registry  *sbi.InMemorySwitchRegistry
	Fabric    *sbi.Fabric
	Metrics   *sbi.SBIMetrics
	Monitor   *sbi.Monitor

	log logging.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSBIRuntime creates a runtime over clock. onSwitches, if non-nil,
// receives the registered switch count after every change.
func NewSBIRuntime(clock *timectrl.TimeController, onSwitches func(int), log logging.Logger) (*SBIRuntime, error) {
	if clock == nil {
		return nil, fmt.Errorf("clock is nil")
	}
	if log == nil {
		log = logging.Noop()
	}

	sched := sbi.NewEventScheduler(clock)
	clock.AddListener(func(time.Time) { sched.RunDue() })

	metrics := sbi.NewSBIMetrics()
	reg := sbi.NewInMemorySwitchRegistry(onSwitches)
	ctx, cancel := context.WithCancel(context.Background())

	return &SBIRuntime{
		Clock:     clock,
		Scheduler: sched,
		Registry:  reg,
		Fabric:    sbi.NewFabric(reg, metrics),
		Metrics:   metrics,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// StartMonitor starts polling flow stats into sink.
func (r *SBIRuntime) StartMonitor(sink sbi.IntervalSink, cfg sbi.MonitorConfig, observer sbi.PollObserver) *sbi.Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Monitor != nil {
		return r.Monitor
	}
	opts := []sbi.MonitorOption{
		sbi.WithMonitorLogger(r.log),
		sbi.WithMonitorMetrics(r.Metrics),
	}
	if observer != nil {
		opts = append(opts, sbi.WithPollObserver(observer))
	}
	r.Monitor = sbi.NewMonitor(r.Scheduler, r.Registry, sink, cfg, opts...)
	r.Monitor.Start(r.ctx)
	return r.Monitor
}

// ConnectSwitches registers an in-memory switch per handle and completes
// the controller handshake with each of them. It returns the first
// handshake error; switches that failed stay registered.
func (r *SBIRuntime) ConnectSwitches(ctx context.Context, lc SwitchLifecycle, handles ...ofp.SwitchHandle) ([]*sbi.MemorySwitch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switches := make([]*sbi.MemorySwitch, 0, len(handles))
	for _, h := range handles {
		sw := sbi.NewMemorySwitch(h)
		if err := r.Registry.Register(sw); err != nil {
			return switches, err
		}
		switches = append(switches, sw)
	}

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	for _, sw := range switches {
		wg.Add(1)
		go func(h ofp.SwitchHandle) {
			defer wg.Done()

			if err := lc.HandshakeSuccessful(ctx, h); err != nil {
				r.log.Warn(ctx, "switch handshake failed",
					logging.String("switch", h.String()),
					logging.Err(err),
				)
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}

			r.log.Debug(ctx, "switch connected", logging.String("switch", h.String()))
		}(sw.Handle())
	}

	wg.Wait()
	return switches, firstErr
}

// DisconnectSwitch unregisters sw and tells the controller.
func (r *SBIRuntime) DisconnectSwitch(lc SwitchLifecycle, sw ofp.SwitchHandle) {
	r.Registry.Unregister(sw)
	lc.SwitchDisconnected(sw)
}

// Close stops the monitor. The registry keeps its switches.
func (r *SBIRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	if r.Monitor != nil {
		r.Monitor.Stop()
	}
	return nil
}
