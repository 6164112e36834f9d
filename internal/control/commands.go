package control

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/driver"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

// Command names accepted by the control surface.
type Command string

const (
	CmdStart            Command = "start"
	CmdStop             Command = "stop"
	CmdStartQueue       Command = "start_queue"
	CmdContinueQueue    Command = "continue_queue"
	CmdRestartQueue     Command = "restart_queue"
	CmdUpdateQueueItems Command = "update_queue_items"
	CmdCheckReady       Command = "check_ready"
)

// Request is one command with its parameters.
type Request struct {
	RequestID string          `json:"requestId,omitempty"`
	Command   Command         `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// StartParams are the parameters of start.
type StartParams struct {
	Items []string `json:"items"`
	Image string   `json:"image,omitempty"`
}

// Entry is one queue entry on the wire.
type Entry struct {
	Image string   `json:"image,omitempty" yaml:"image,omitempty"`
	Items []string `json:"items" yaml:"prompts"`
}

// QueueParams are the parameters of the queue commands.
type QueueParams struct {
	Entries []Entry `json:"entries"`
}

// Response is the reply to every command.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	// Ready is set by check_ready.
	Ready *bool `json:"ready,omitempty"`
}

// Controller is the driver as seen by the control surface.
type Controller interface {
	Start(ctx context.Context, items []string, seed string) error
	Stop(ctx context.Context) error
	StartQueue(ctx context.Context, entries []store.Sequence) error
	ContinueQueue(ctx context.Context) error
	RestartQueue(ctx context.Context, entries []store.Sequence) error
	UpdateQueueItems(ctx context.Context, entries []store.Sequence) error
	CheckReady(ctx context.Context) (bool, error)
	State() driver.State
	Snapshot() *store.RunState
}

var _ Controller = (*driver.Driver)(nil)

const readyKey = "ready"

// Dispatcher validates commands and routes them to the driver.
type Dispatcher struct {
	ctrl    Controller
	logger  *zap.Logger
	ready   *cache.Cache
	cacheOn bool
	metrics *Metrics
}

// NewDispatcher creates a dispatcher. check_ready answers are reused for
// readyTTL; a non-positive TTL probes on every call.
func NewDispatcher(ctrl Controller, readyTTL time.Duration, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		ctrl:    ctrl,
		logger:  logger.Named("dispatcher"),
		ready:   cache.New(readyTTL, 2*readyTTL),
		cacheOn: readyTTL > 0,
		metrics: metrics,
	}
}

// decodeParams unmarshals raw into T. Missing params decode to the zero value.
func decodeParams[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, invalid("params", "%v", err)
	}
	return out, nil
}

// Dispatch runs one command and reports its outcome in the response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	resp, _ := d.Execute(ctx, req)
	return resp
}

// Execute is Dispatch that also returns the underlying error for callers that
// classify it.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Response, error) {
	d.logger.Info("Received command", zap.String("command", string(req.Command)), zap.String("request_id", req.RequestID))

	ready, err := d.dispatch(ctx, req)
	if err != nil {
		d.logger.Warn("Command failed", zap.String("command", string(req.Command)), zap.Error(err))
		d.metrics.ObserveCommand(string(req.Command), "error")
		return Response{OK: false, Error: err.Error()}, err
	}
	d.metrics.ObserveCommand(string(req.Command), "ok")
	return Response{OK: true, Ready: ready}, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (*bool, error) {
	switch req.Command {
	case CmdStart:
		p, err := decodeParams[StartParams](req.Params)
		if err != nil {
			return nil, err
		}
		if err := ValidateItems("items", p.Items); err != nil {
			return nil, err
		}
		if err := ValidateImage("image", p.Image); err != nil {
			return nil, err
		}
		d.ready.Delete(readyKey)
		return nil, d.ctrl.Start(ctx, p.Items, p.Image)

	case CmdStop:
		return nil, d.ctrl.Stop(ctx)

	case CmdStartQueue, CmdRestartQueue, CmdUpdateQueueItems:
		p, err := decodeParams[QueueParams](req.Params)
		if err != nil {
			return nil, err
		}
		var seqs []store.Sequence
		// restart_queue without entries reuses the saved queue.
		if req.Command != CmdRestartQueue || len(p.Entries) > 0 {
			if seqs, err = ValidateEntries(p.Entries); err != nil {
				return nil, err
			}
		}
		d.ready.Delete(readyKey)
		switch req.Command {
		case CmdStartQueue:
			return nil, d.ctrl.StartQueue(ctx, seqs)
		case CmdRestartQueue:
			return nil, d.ctrl.RestartQueue(ctx, seqs)
		default:
			return nil, d.ctrl.UpdateQueueItems(ctx, seqs)
		}

	case CmdContinueQueue:
		d.ready.Delete(readyKey)
		return nil, d.ctrl.ContinueQueue(ctx)

	case CmdCheckReady:
		if v, ok := d.ready.Get(readyKey); ok {
			ready := v.(bool)
			return &ready, nil
		}
		ready, err := d.ctrl.CheckReady(ctx)
		if err != nil {
			return nil, err
		}
		if d.cacheOn {
			d.ready.SetDefault(readyKey, ready)
		}
		return &ready, nil
	}
	return nil, invalid("command", "unknown command %q", req.Command)
}

// IsValidation reports whether err came from boundary validation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
