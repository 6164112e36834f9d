package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scenepilot/internal/config"
)

var (
	roleMarker = regexp.MustCompile(`^/\* role: (\w+) \*/`)
	sliderMode = regexp.MustCompile(`const mode = "(\w+)";`)
)

// fakeSlider models the seek control. It jumps to max when a seek method
// listed in reaches is used: drag, track, key or force.
type fakeSlider struct {
	now, max float64
	reaches  map[string]bool
	tried    []string
}

func (s *fakeSlider) seek(method string) {
	s.tried = append(s.tried, method)
	if s.reaches[method] {
		s.now = s.max
	}
}

// newSlider returns a slider at the start that reaches its end by methods.
func newSlider(methods ...string) *fakeSlider {
	s := &fakeSlider{max: 100, reaches: make(map[string]bool)}
	for _, m := range methods {
		s.reaches[m] = true
	}
	return s
}

// fakeDOM answers page scripts from a table of present controls and records
// the input events sent to the tab.
type fakeDOM struct {
	mu       sync.Mutex
	present  map[Role]Handle
	url      string
	count    int
	existing bool
	field    string
	// fieldOverride, when set, is what the field reports after a write.
	fieldOverride *string

	scripts []string
	actions []chromedp.Action
	presses []Role

	// slider answers slider reads; nil makes them return null.
	slider *fakeSlider

	// onPress runs after a click lands on a control.
	onPress func(d *fakeDOM, role Role)
	// block makes runActions wait for its context when it returns true.
	block func(actions []chromedp.Action) bool
}

func newFakeDOM() *fakeDOM {
	return &fakeDOM{
		present: make(map[Role]Handle),
		url:     "https://labs.google/fx/tools/flow/project/abc",
	}
}

func (d *fakeDOM) show(role Role, h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h.Role = role
	d.present[role] = h
}

func (d *fakeDOM) hide(role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.present, role)
}

func (d *fakeDOM) Presses() []Role {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Role(nil), d.presses...)
}

func (d *fakeDOM) Actions() []chromedp.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]chromedp.Action(nil), d.actions...)
}

func (d *fakeDOM) evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, script)

	if m := roleMarker.FindStringSubmatch(script); m != nil {
		h, ok := d.present[Role(m[1])]
		if !ok {
			return json.RawMessage("null"), nil
		}
		b, err := json.Marshal(h)
		return b, err
	}
	switch {
	case script == "location.href":
		return json.RawMessage(jsonEncode(d.url)), nil
	case script == outputCountScript:
		return json.RawMessage(jsonEncode(d.count)), nil
	case script == hasExistingOutputScript:
		return json.RawMessage(jsonEncode(d.existing)), nil
	case script == scrollAssetsScript:
		return json.RawMessage("true"), nil
	case strings.HasPrefix(script, "/* slider */"):
		if d.slider == nil {
			return json.RawMessage("null"), nil
		}
		if m := sliderMode.FindStringSubmatch(script); m != nil && m[1] == "force" {
			d.slider.seek("force")
		}
		return json.Marshal(sliderState{Now: d.slider.now, Max: d.slider.max})
	case strings.Contains(script, "set.call(t, "):
		if _, ok := d.present[RoleInstructionField]; !ok {
			return json.RawMessage("null"), nil
		}
		start := strings.Index(script, "set.call(t, ") + len("set.call(t, ")
		end := strings.Index(script[start:], ");\n")
		var v string
		if err := json.Unmarshal([]byte(script[start:start+end]), &v); err != nil {
			return nil, err
		}
		d.field = v
		if d.fieldOverride != nil && v != "" {
			return json.RawMessage(jsonEncode(*d.fieldOverride)), nil
		}
		return json.RawMessage(jsonEncode(v)), nil
	}
	return nil, fmt.Errorf("unexpected script: %.60s", script)
}

func (d *fakeDOM) runActions(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	d.actions = append(d.actions, actions...)
	block := d.block
	d.mu.Unlock()

	if block != nil && block(actions) {
		<-ctx.Done()
		return ctx.Err()
	}

	var pressed []Role
	d.mu.Lock()
	for _, a := range actions {
		if key, ok := a.(*input.DispatchKeyEventParams); ok {
			if key.Type == input.KeyDown && key.Key == "End" && d.slider != nil {
				d.slider.seek("key")
			}
			continue
		}
		ev, ok := a.(*input.DispatchMouseEventParams)
		if !ok || ev.Type != input.MousePressed {
			continue
		}
		if d.slider != nil {
			if h, ok := d.present[RoleSlider]; ok && h.X == ev.X && h.Y == ev.Y {
				d.slider.seek("drag")
			}
			if h, ok := d.present[RoleSliderTrack]; ok && ev.X == h.Right()-10 && ev.Y == h.Y {
				d.slider.seek("track")
			}
		}
		for role, h := range d.present {
			if h.X == ev.X && h.Y == ev.Y {
				d.presses = append(d.presses, role)
				pressed = append(pressed, role)
			}
		}
	}
	onPress := d.onPress
	d.mu.Unlock()

	if onPress != nil {
		for _, r := range pressed {
			onPress(d, r)
		}
	}
	return nil
}

func testStepConfig() config.StepConfig {
	return config.StepConfig{
		ElementTimeout:       200 * time.Millisecond,
		AssetTimeout:         50 * time.Millisecond,
		SliderDragTimeout:    50 * time.Millisecond,
		ThumbnailTimeout:     20 * time.Millisecond,
		UploadIconTimeout:    20 * time.Millisecond,
		ThumbnailAttempts:    3,
		UploadIconAttempts:   2,
		CropSaveAttempts:     3,
		NoticeDialogAttempts: 2,
		MenuFrameAttempts:    2,
		ShortDelay:           time.Millisecond,
		MediumDelay:          time.Millisecond,
		NormalDelay:          time.Millisecond,
		LongDelay:            time.Millisecond,
		StabilizeDelay:       time.Millisecond,
	}
}

// newTestPage returns a page wired to dom instead of a browser.
func newTestPage(t *testing.T, dom *fakeDOM) *Page {
	t.Helper()
	p := NewPage(context.Background(), config.DriverConfig{Language: "auto", Steps: testStepConfig()}, zaptest.NewLogger(t))
	p.runActionsFunc = dom.runActions
	p.evaluateFunc = dom.evaluate
	p.listenFunc = func(ctx context.Context, fn func(ev interface{})) {}
	p.sleepFunc = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

// box is a clickable handle centered at (x, y).
func box(x, y float64) Handle {
	return Handle{X: x, Y: y, Width: 20, Height: 20}
}
