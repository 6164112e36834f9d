package browser

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scenepilot/internal/driver"
)

func mouseEvents(actions []chromedp.Action) []*input.DispatchMouseEventParams {
	var out []*input.DispatchMouseEventParams
	for _, a := range actions {
		if ev, ok := a.(*input.DispatchMouseEventParams); ok {
			out = append(out, ev)
		}
	}
	return out
}

func TestPage_Click(t *testing.T) {
	t.Run("DispatchesPressAndReleaseAtCenter", func(t *testing.T) {
		dom := newFakeDOM()
		p := newTestPage(t, dom)

		require.NoError(t, p.Click(context.Background(), Handle{Role: RoleSubmitButton, X: 40, Y: 60, Width: 10, Height: 10}))

		events := mouseEvents(dom.Actions())
		require.Len(t, events, 3)
		assert.Equal(t, input.MouseMoved, events[0].Type)
		assert.Equal(t, input.MousePressed, events[1].Type)
		assert.Equal(t, input.MouseReleased, events[2].Type)
		for _, ev := range events {
			assert.Equal(t, 40.0, ev.X)
			assert.Equal(t, 60.0, ev.Y)
		}
		assert.Equal(t, input.Left, events[1].Button)
	})

	t.Run("RejectsZeroArea", func(t *testing.T) {
		dom := newFakeDOM()
		p := newTestPage(t, dom)

		err := p.Click(context.Background(), Handle{Role: RoleFileInput})
		require.Error(t, err)
		assert.Empty(t, dom.Actions())
	})

	t.Run("StopBeforeStartSkipsAction", func(t *testing.T) {
		dom := newFakeDOM()
		p := newTestPage(t, dom)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := p.Click(ctx, box(1, 1))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, dom.Actions())
	})
}

func TestPage_Evaluate(t *testing.T) {
	t.Run("NullMeansNotFound", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		p.evaluateFunc = func(ctx context.Context, script string) (json.RawMessage, error) {
			return json.RawMessage("null"), nil
		}
		var out map[string]interface{}
		found, err := p.Evaluate(context.Background(), "x", &out)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("DecodesResult", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		p.evaluateFunc = func(ctx context.Context, script string) (json.RawMessage, error) {
			return json.RawMessage(`{"x":1.5,"y":2,"width":3,"height":4,"text":"ok"}`), nil
		}
		var h Handle
		found, err := p.Evaluate(context.Background(), "x", &h)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, Handle{X: 1.5, Y: 2, Width: 3, Height: 4, Text: "ok"}, h)
	})

	t.Run("TimeoutMeansContextLost", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		p.steps.ElementTimeout = 20 * time.Millisecond
		p.evaluateFunc = func(ctx context.Context, script string) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		_, err := p.Evaluate(context.Background(), "x", nil)
		assert.ErrorIs(t, err, driver.ErrContextLost)
	})

	t.Run("DestroyedContextMeansContextLost", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		p.evaluateFunc = func(ctx context.Context, script string) (json.RawMessage, error) {
			return nil, errors.New("exception: Execution context was destroyed.")
		}
		_, err := p.Evaluate(context.Background(), "x", nil)
		assert.ErrorIs(t, err, driver.ErrContextLost)
	})

	t.Run("ScriptErrorIsOrdinary", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		p.evaluateFunc = func(ctx context.Context, script string) (json.RawMessage, error) {
			return nil, errors.New("ReferenceError: foo is not defined")
		}
		_, err := p.Evaluate(context.Background(), "x", nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, driver.ErrContextLost)
	})

	t.Run("InFlightCallOutlivesStop", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		ctx, cancel := context.WithCancel(context.Background())
		p.evaluateFunc = func(opCtx context.Context, script string) (json.RawMessage, error) {
			cancel()
			select {
			case <-opCtx.Done():
				return nil, opCtx.Err()
			case <-time.After(5 * time.Millisecond):
			}
			return json.RawMessage("true"), nil
		}
		var ok bool
		found, err := p.Evaluate(ctx, "x", &ok)
		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, ok)
	})
}

func TestPage_Drag(t *testing.T) {
	t.Run("EasedPathEndsAtTarget", func(t *testing.T) {
		dom := newFakeDOM()
		p := newTestPage(t, dom)

		require.NoError(t, p.Drag(context.Background(), 100, 500, 300))

		events := mouseEvents(dom.Actions())
		require.Len(t, events, dragSteps+3)
		assert.Equal(t, input.MousePressed, events[1].Type)
		assert.Equal(t, 100.0, events[1].X)
		last := events[len(events)-1]
		assert.Equal(t, input.MouseReleased, last.Type)
		assert.Equal(t, 500.0, last.X)

		prev := 100.0
		for _, ev := range events[2 : len(events)-1] {
			assert.Equal(t, input.MouseMoved, ev.Type)
			assert.GreaterOrEqual(t, ev.X, prev)
			assert.Equal(t, 300.0, ev.Y)
			prev = ev.X
		}
		assert.InDelta(t, 500.0, prev, 1e-9)
	})

	t.Run("TimeoutMeansContextLost", func(t *testing.T) {
		dom := newFakeDOM()
		dom.block = func(actions []chromedp.Action) bool { return len(actions) > 3 }
		p := newTestPage(t, dom)

		err := p.Drag(context.Background(), 0, 200, 10)
		assert.ErrorIs(t, err, driver.ErrContextLost)
	})
}

func TestEaseInOutCubic(t *testing.T) {
	assert.Equal(t, 0.0, easeInOutCubic(0))
	assert.Equal(t, 0.5, easeInOutCubic(0.5))
	assert.Equal(t, 1.0, easeInOutCubic(1))
	assert.Less(t, easeInOutCubic(0.25), 0.25)
	assert.Greater(t, easeInOutCubic(0.75), 0.75)
}

func TestPage_PressKey(t *testing.T) {
	dom := newFakeDOM()
	p := newTestPage(t, dom)

	require.NoError(t, p.PressKey(context.Background(), "Escape"))

	actions := dom.Actions()
	require.Len(t, actions, 2)
	down, ok := actions[0].(*input.DispatchKeyEventParams)
	require.True(t, ok)
	assert.Equal(t, input.KeyDown, down.Type)
	assert.Equal(t, "Escape", down.Key)
	assert.Equal(t, int64(27), down.WindowsVirtualKeyCode)
	up, ok := actions[1].(*input.DispatchKeyEventParams)
	require.True(t, ok)
	assert.Equal(t, input.KeyUp, up.Type)
}

func TestPage_Poll(t *testing.T) {
	t.Run("StopsWhenConditionHolds", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		calls := 0
		ok, err := p.poll(context.Background(), time.Millisecond, 10, func(ctx context.Context) (bool, error) {
			calls++
			return calls == 3, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, calls)
	})

	t.Run("AttemptsRunOut", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		calls := 0
		ok, err := p.poll(context.Background(), time.Millisecond, 4, func(ctx context.Context) (bool, error) {
			calls++
			return false, errors.New("flaky")
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 4, calls)
	})

	t.Run("ContextLostEndsPoll", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		ok, err := p.poll(context.Background(), time.Millisecond, 10, func(ctx context.Context) (bool, error) {
			return false, driver.ErrContextLost
		})
		assert.False(t, ok)
		assert.ErrorIs(t, err, driver.ErrContextLost)
	})

	t.Run("UntilTimeoutIsAMiss", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		ok, err := p.pollUntil(context.Background(), time.Millisecond, 20*time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("UntilReportsCallerCancel", func(t *testing.T) {
		p := newTestPage(t, newFakeDOM())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.pollUntil(ctx, time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCombineAndDetach(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "tab")

	op, cancelOp := context.WithCancel(context.Background())
	combined, cancel := CombineContext(parent, op)
	defer cancel()
	assert.Equal(t, "tab", combined.Value(key{}))
	cancelOp()
	select {
	case <-combined.Done():
	case <-time.After(time.Second):
		t.Fatal("combined context not canceled with its second parent")
	}

	canceled, cancelParent := context.WithCancel(parent)
	cancelParent()
	detached := Detach(canceled)
	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	assert.Equal(t, "tab", detached.Value(key{}))
}
