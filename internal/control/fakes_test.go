package control

import (
	"context"
	"sync"

	"github.com/xkilldash9x/scenepilot/internal/driver"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

// fakeController records the calls it receives.
type fakeController struct {
	mu sync.Mutex

	calls   []string
	items   []string
	seed    string
	entries []store.Sequence

	err        error
	ready      bool
	readyCalls int

	state driver.State
	snap  *store.RunState
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Start(ctx context.Context, items []string, seed string) error {
	f.mu.Lock()
	f.items, f.seed = items, seed
	f.mu.Unlock()
	return f.record("start")
}

func (f *fakeController) Stop(ctx context.Context) error { return f.record("stop") }

func (f *fakeController) StartQueue(ctx context.Context, entries []store.Sequence) error {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return f.record("start_queue")
}

func (f *fakeController) ContinueQueue(ctx context.Context) error {
	return f.record("continue_queue")
}

func (f *fakeController) RestartQueue(ctx context.Context, entries []store.Sequence) error {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return f.record("restart_queue")
}

func (f *fakeController) UpdateQueueItems(ctx context.Context, entries []store.Sequence) error {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
	return f.record("update_queue_items")
}

func (f *fakeController) CheckReady(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.readyCalls++
	ready := f.ready
	f.mu.Unlock()
	return ready, f.record("check_ready")
}

func (f *fakeController) State() driver.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Snapshot() *store.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone()
}
