package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scenepilot/internal/config"
	"github.com/xkilldash9x/scenepilot/internal/driver"
)

const (
	// reloadTimeout bounds issuing a reload, not the page load itself.
	reloadTimeout     = 15 * time.Second
	readyPollInterval = 500 * time.Millisecond
	dragSteps         = 25
	dragStepDelay     = 15 * time.Millisecond
)

// Page drives one scene builder tab over the DevTools protocol. It implements
// driver.Page.
type Page struct {
	// ctx is the chromedp tab context. Operations run on it rather than on
	// the caller's context so an in-flight action completes after a stop.
	ctx      context.Context
	logger   *zap.Logger
	steps    config.StepConfig
	language Language

	runActionsFunc func(ctx context.Context, actions ...chromedp.Action) error
	evaluateFunc   func(ctx context.Context, script string) (json.RawMessage, error)
	listenFunc     func(ctx context.Context, fn func(ev interface{}))
	sleepFunc      func(ctx context.Context, d time.Duration) error

	closeFn func()
}

var _ driver.Page = (*Page)(nil)

// NewPage wraps a chromedp tab context.
func NewPage(tabCtx context.Context, cfg config.DriverConfig, logger *zap.Logger) *Page {
	lang, ok := ParseLanguage(cfg.Language)
	if !ok {
		lang = LanguageAuto
	}
	p := &Page{
		ctx:            tabCtx,
		logger:         logger.Named("page"),
		steps:          cfg.Steps,
		language:       lang,
		runActionsFunc: chromedp.Run,
		listenFunc:     chromedp.ListenTarget,
		sleepFunc:      sleepCtx,
	}
	p.evaluateFunc = p.evaluateCDP
	return p
}

// Close releases the tab.
func (p *Page) Close() {
	if p.closeFn != nil {
		p.closeFn()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Page) sleep(ctx context.Context, d time.Duration) error {
	return p.sleepFunc(ctx, d)
}

// do runs fn against the tab under its own timeout. A stop observed before
// the call returns the caller's context error; once started, the call runs
// to completion. Timeouts and a vanished target wrap driver.ErrContextLost.
func (p *Page) do(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	err := fn(opCtx)
	if err == nil {
		return nil
	}
	switch {
	case p.ctx.Err() != nil:
		return fmt.Errorf("%w: tab closed during %s", driver.ErrContextLost, op)
	case errors.Is(opCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s timed out after %s", driver.ErrContextLost, op, timeout)
	case isTargetGone(err):
		return fmt.Errorf("%w: %s: %v", driver.ErrContextLost, op, err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

var targetGoneMarkers = []string{
	"Cannot find context with specified id",
	"Execution context was destroyed",
	"Inspected target navigated or closed",
	"target closed",
	"No target with given id",
}

func isTargetGone(err error) bool {
	msg := err.Error()
	for _, m := range targetGoneMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// evaluateCDP returns the raw JSON result. A *[]byte target makes chromedp
// hand back null and undefined as an empty value instead of an error.
func (p *Page) evaluateCDP(ctx context.Context, script string) (json.RawMessage, error) {
	var res []byte
	err := p.runActionsFunc(ctx, chromedp.Evaluate(script, &res, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
	return res, err
}

// Evaluate runs script in the page and decodes its result into out. A null
// result reports found as false.
func (p *Page) Evaluate(ctx context.Context, script string, out interface{}) (bool, error) {
	var raw json.RawMessage
	err := p.do(ctx, p.steps.ElementTimeout, "evaluate", func(ctx context.Context) error {
		var err error
		raw, err = p.evaluateFunc(ctx, script)
		return err
	})
	if err != nil {
		return false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("failed to decode script result: %w", err)
		}
	}
	return true, nil
}

// jsonEncode renders v as a JavaScript literal.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func mouseEvent(typ input.MouseType, x, y float64) *input.DispatchMouseEventParams {
	return input.DispatchMouseEvent(typ, x, y)
}

// Click presses and releases the left button at the center of h.
func (p *Page) Click(ctx context.Context, h Handle) error {
	if !h.Clickable() {
		return fmt.Errorf("%s has no visible area", h.Role)
	}
	return p.do(ctx, p.steps.ElementTimeout, "click "+string(h.Role), func(ctx context.Context) error {
		return p.runActionsFunc(ctx,
			mouseEvent(input.MouseMoved, h.X, h.Y),
			mouseEvent(input.MousePressed, h.X, h.Y).WithButton(input.Left).WithButtons(1).WithClickCount(1),
			mouseEvent(input.MouseReleased, h.X, h.Y).WithButton(input.Left).WithClickCount(1),
		)
	})
}

// Hover moves the pointer onto h.
func (p *Page) Hover(ctx context.Context, h Handle) error {
	return p.do(ctx, p.steps.ElementTimeout, "hover "+string(h.Role), func(ctx context.Context) error {
		return p.runActionsFunc(ctx, mouseEvent(input.MouseMoved, h.X, h.Y))
	})
}

// easeInOutCubic maps linear progress t in [0,1] to eased progress.
func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// Drag presses at (fromX, y), moves to (toX, y) along an eased path and
// releases. The whole gesture shares the slider drag timeout.
func (p *Page) Drag(ctx context.Context, fromX, toX, y float64) error {
	actions := []chromedp.Action{
		mouseEvent(input.MouseMoved, fromX, y),
		mouseEvent(input.MousePressed, fromX, y).WithButton(input.Left).WithButtons(1).WithClickCount(1),
	}
	for i := 1; i <= dragSteps; i++ {
		x := fromX + (toX-fromX)*easeInOutCubic(float64(i)/dragSteps)
		actions = append(actions,
			mouseEvent(input.MouseMoved, x, y).WithButton(input.Left).WithButtons(1),
			chromedp.Sleep(dragStepDelay),
		)
	}
	actions = append(actions, mouseEvent(input.MouseReleased, toX, y).WithButton(input.Left).WithClickCount(1))

	return p.do(ctx, p.steps.SliderDragTimeout, "drag", func(ctx context.Context) error {
		return p.runActionsFunc(ctx, actions...)
	})
}

var virtualKeyCodes = map[string]int64{
	"Escape": 27,
	"End":    35,
}

// PressKey sends a key down/up pair, e.g. "Escape".
func (p *Page) PressKey(ctx context.Context, key string) error {
	code := virtualKeyCodes[key]
	return p.do(ctx, p.steps.ElementTimeout, "key "+key, func(ctx context.Context) error {
		return p.runActionsFunc(ctx,
			input.DispatchKeyEvent(input.KeyDown).WithKey(key).WithCode(key).WithWindowsVirtualKeyCode(code),
			input.DispatchKeyEvent(input.KeyUp).WithKey(key).WithCode(key).WithWindowsVirtualKeyCode(code),
		)
	})
}

// Reload issues a page reload without waiting for the load to finish.
func (p *Page) Reload(ctx context.Context) error {
	p.logger.Info("Reloading page.")
	return p.do(ctx, reloadTimeout, "reload", func(ctx context.Context) error {
		return p.runActionsFunc(ctx, cdppage.Reload())
	})
}

// URL returns the address of the tab.
func (p *Page) URL(ctx context.Context) (string, error) {
	var u string
	if _, err := p.Evaluate(ctx, "location.href", &u); err != nil {
		return "", err
	}
	return u, nil
}

// poll evaluates cond every interval until it holds, attempts run out or ctx
// ends. attempts <= 0 means no limit. Errors other than driver.ErrContextLost
// count as a miss.
func (p *Page) poll(ctx context.Context, interval time.Duration, attempts int, cond func(ctx context.Context) (bool, error)) (bool, error) {
	lim := rate.NewLimiter(rate.Every(interval), 1)
	for i := 0; attempts <= 0 || i < attempts; i++ {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// The next tick would land past the deadline.
			return false, context.DeadlineExceeded
		}
		ok, err := cond(ctx)
		switch {
		case err == nil && ok:
			return true, nil
		case err == nil:
		case errors.Is(err, driver.ErrContextLost):
			return false, err
		case ctx.Err() != nil:
			return false, ctx.Err()
		default:
			p.logger.Debug("Poll condition failed.", zap.Error(err))
		}
	}
	return false, nil
}

// pollUntil is poll bounded by timeout instead of a count. Running out of
// time is reported as a miss, not an error.
func (p *Page) pollUntil(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := p.poll(waitCtx, interval, 0, cond)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return ok, err
}
