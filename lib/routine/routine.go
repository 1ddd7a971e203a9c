// Package routine runs named background goroutines that can be stopped
// individually or all at once.
package routine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Routine runs until ctx is cancelled or its work is done.
type Routine func(ctx context.Context) error

type tracker struct {
	cancel  context.CancelFunc
	stopped chan struct{}
	err     error
}

func (r *tracker) running() bool {
	select {
	case <-r.stopped:
		return false
	default:
		return true
	}
}

type Manager struct {
	lock     sync.Mutex
	logger   hclog.Logger
	routines map[string]*tracker
}

func NewManager(logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		logger:   logger,
		routines: make(map[string]*tracker),
	}
}

func (m *Manager) IsRunning(name string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	r, ok := m.routines[name]
	return ok && r.running()
}

// Start runs fn under name unless a routine of that name is still running.
func (m *Manager) Start(ctx context.Context, name string, fn Routine) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if r, ok := m.routines[name]; ok && r.running() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &tracker{cancel: cancel, stopped: make(chan struct{})}
	m.routines[name] = r
	go m.execute(ctx, name, fn, r)
	m.logger.Debug("started routine", "routine", name)
}

func (m *Manager) execute(ctx context.Context, name string, fn Routine, r *tracker) {
	defer close(r.stopped)

	err := fn(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		m.logger.Error("routine exited with error", "routine", name, "error", err)
		r.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	m.logger.Debug("stopped routine", "routine", name)
}

// Stop cancels the named routine. The returned channel closes once it has
// returned.
func (m *Manager) Stop(name string) <-chan struct{} {
	m.lock.Lock()
	defer m.lock.Unlock()

	r, ok := m.routines[name]
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	r.cancel()
	delete(m.routines, name)
	return r.stopped
}

// StopAll cancels every routine and waits for them. It returns the errors
// routines failed with.
func (m *Manager) StopAll() error {
	m.lock.Lock()
	routines := m.routines
	m.routines = make(map[string]*tracker)
	m.lock.Unlock()

	var result error
	for _, r := range routines {
		r.cancel()
	}
	for _, r := range routines {
		<-r.stopped
		if r.err != nil {
			result = multierror.Append(result, r.err)
		}
	}
	return result
}
