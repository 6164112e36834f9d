package driver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scenepilot/internal/store"
)

// fakeClock advances instantly on every sleep.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// fakePage is a scripted stand-in for the browser tab.
type fakePage struct {
	mu sync.Mutex

	ready      bool
	existing   bool
	count      int
	inProgress bool
	url        string

	calls     []string
	submitted []string
	typed     string
	reloads   int

	// render is called with the zero-based submission number after each
	// submit. Nil means the render succeeds immediately.
	render func(p *fakePage, n int)
	// failures pops one error per call of the named step.
	failures map[string][]error
	// hooks run on entry to the named step.
	hooks map[string]func(ctx context.Context)
	// onReload runs after each reload.
	onReload func(p *fakePage)
}

func newFakePage() *fakePage {
	return &fakePage{
		ready:    true,
		existing: true,
		url:      "https://labs.google/fx/tools/flow/project/1",
		failures: make(map[string][]error),
		hooks:    make(map[string]func(ctx context.Context)),
	}
}

func (p *fakePage) step(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.calls = append(p.calls, name)
	hook := p.hooks[name]
	var err error
	if q := p.failures[name]; len(q) > 0 {
		err = q[0]
		p.failures[name] = q[1:]
	}
	p.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	return err
}

func (p *fakePage) failNext(name string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[name] = append(p.failures[name], errs...)
}

func (p *fakePage) completeRender() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	p.inProgress = false
}

func (p *fakePage) setProgress(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inProgress = on
}

func (p *fakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePage) Submitted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.submitted...)
}

func (p *fakePage) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *fakePage) countCalls(name string) int {
	n := 0
	for _, c := range p.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (p *fakePage) IsTargetReady(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready, nil
}

func (p *fakePage) IsOperationInProgress(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inProgress, nil
}

func (p *fakePage) OutputCount(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count, nil
}

func (p *fakePage) HasExistingOutput(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existing, nil
}

func (p *fakePage) EnsureFrameToVideoMode(ctx context.Context) error {
	return p.step(ctx, "ensure_mode")
}

func (p *fakePage) UploadSeedImage(ctx context.Context, dataURL string) error {
	return p.step(ctx, "upload_seed")
}

func (p *fakePage) HandlePreviewAndCrop(ctx context.Context) (bool, error) {
	return false, p.step(ctx, "preview_and_crop")
}

func (p *fakePage) OpenImagePicker(ctx context.Context) error { return p.step(ctx, "open_picker") }
func (p *fakePage) SelectLatestAsset(ctx context.Context) error {
	return p.step(ctx, "select_latest")
}
func (p *fakePage) CloseMenuFrame(ctx context.Context) error { return p.step(ctx, "close_menu") }
func (p *fakePage) ConfirmInputSelected(ctx context.Context) error {
	return p.step(ctx, "confirm_selected")
}
func (p *fakePage) ScrollAssetListToEnd(ctx context.Context) error {
	return p.step(ctx, "scroll_assets")
}
func (p *fakePage) SaveFrameAsAsset(ctx context.Context) error { return p.step(ctx, "save_frame") }

func (p *fakePage) InputText(ctx context.Context, text string) error {
	if err := p.step(ctx, "input_text"); err != nil {
		return err
	}
	p.mu.Lock()
	p.typed = text
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Submit(ctx context.Context) error {
	if err := p.step(ctx, "submit"); err != nil {
		return err
	}
	p.mu.Lock()
	n := len(p.submitted)
	p.submitted = append(p.submitted, p.typed)
	render := p.render
	p.mu.Unlock()
	if render != nil {
		render(p, n)
	} else {
		p.completeRender()
	}
	return nil
}

func (p *fakePage) Reload(ctx context.Context) error {
	if err := p.step(ctx, "reload"); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	p.inProgress = false
	onReload := p.onReload
	p.mu.Unlock()
	if onReload != nil {
		onReload(p)
	}
	return nil
}

func (p *fakePage) WaitReady(ctx context.Context) error { return p.step(ctx, "wait_ready") }

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// recordingStore keeps every snapshot the driver saves.
type recordingStore struct {
	*store.Store
	mu    sync.Mutex
	saves []store.RunState
}

func (r *recordingStore) Save(ctx context.Context, scope store.Scope, st *store.RunState) error {
	r.mu.Lock()
	r.saves = append(r.saves, *st.Clone())
	r.mu.Unlock()
	return r.Store.Save(ctx, scope, st)
}

func (r *recordingStore) Saves() []store.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.RunState(nil), r.saves...)
}

// eventRecorder collects emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.Type == EventStatus {
			out = append(out, e.Status)
		}
	}
	return out
}

type harness struct {
	driver *Driver
	page   *fakePage
	store  *recordingStore
	events *eventRecorder
	clock  *fakeClock
}

func newHarnessWithLogger(logger *zap.Logger) *harness {
	page := newFakePage()
	st := &recordingStore{Store: store.New(store.NewMemoryBackend(), logger)}
	events := &eventRecorder{}
	clock := newFakeClock()
	d := New(page, st, events, DefaultOptions(), logger)
	d.now = clock.Now
	d.sleep = clock.Sleep
	return &harness{driver: d, page: page, store: st, events: events, clock: clock}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithLogger(zaptest.NewLogger(t))
}

// wait blocks until the active run exits.
func (h *harness) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.driver.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func (h *harness) restore(t *testing.T, scope store.Scope) (*store.RunState, bool) {
	t.Helper()
	rs, ok, err := h.store.Restore(context.Background(), scope)
	require.NoError(t, err)
	return rs, ok
}

// stopRequested reports whether Stop has reached the active run.
func (d *Driver) stopRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil && d.active.userStop.Load()
}
