package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scenepilot/internal/config"
	"github.com/xkilldash9x/scenepilot/internal/driver"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

type serverFixture struct {
	ctrl   *fakeController
	hub    *Hub
	events chan driver.Event
	srv    *httptest.Server
}

func newServerFixture(t *testing.T, ctrl *fakeController) *serverFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	metrics := MustNewMetrics(reg)
	dispatcher := NewDispatcher(ctrl, time.Minute, metrics, logger)
	hub := NewHub(dispatcher, 5*time.Second, logger)
	cfg := config.ControlConfig{ListenAddr: "127.0.0.1:0", RequestTimeout: 5 * time.Second}
	s := NewServer(cfg, ctrl, dispatcher, hub, reg, logger)

	f := &serverFixture{ctrl: ctrl, hub: hub, events: make(chan driver.Event, 8), srv: httptest.NewServer(s.Router())}

	ctx, cancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx, f.events)
		close(hubDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-hubDone
		f.srv.Close()
	})
	return f
}

func (f *serverFixture) post(t *testing.T, body string) (int, Response) {
	t.Helper()
	res, err := http.Post(f.srv.URL+"/api/v1/command", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer res.Body.Close()
	var resp Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	return res.StatusCode, resp
}

func TestServer_Command(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		f := newServerFixture(t, &fakeController{})
		code, resp := f.post(t, `{"command":"start","params":{"items":["a cat"]}}`)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, Response{OK: true}, resp)
		assert.Equal(t, []string{"start"}, f.ctrl.Calls())
	})

	t.Run("ValidationIsBadRequest", func(t *testing.T) {
		f := newServerFixture(t, &fakeController{})
		code, resp := f.post(t, `{"command":"start","params":{"items":[]}}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.False(t, resp.OK)
		assert.Contains(t, resp.Error, "no items")
		assert.Empty(t, f.ctrl.Calls())
	})

	t.Run("MalformedBody", func(t *testing.T) {
		f := newServerFixture(t, &fakeController{})
		code, resp := f.post(t, `{"command":`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.False(t, resp.OK)
	})

	t.Run("BusyIsConflict", func(t *testing.T) {
		f := newServerFixture(t, &fakeController{err: driver.ErrBusy})
		code, resp := f.post(t, `{"command":"continue_queue"}`)
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, driver.ErrBusy.Error(), resp.Error)
	})

	t.Run("CheckReadyCarriesAnswer", func(t *testing.T) {
		f := newServerFixture(t, &fakeController{ready: true})
		code, resp := f.post(t, `{"command":"check_ready"}`)
		assert.Equal(t, http.StatusOK, code)
		require.NotNil(t, resp.Ready)
		assert.True(t, *resp.Ready)
	})
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, statusFor(nil))
	assert.Equal(t, http.StatusBadRequest, statusFor(invalid("items", "no items")))
	assert.Equal(t, http.StatusConflict, statusFor(driver.ErrWrongContext))
	assert.Equal(t, http.StatusConflict, statusFor(driver.ErrNoSeed))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("store unavailable")))
}

func TestServer_State(t *testing.T) {
	ctrl := &fakeController{
		state: driver.WaitingForCompletion,
		snap: &store.RunState{
			RunID:     "run-1",
			Scope:     store.ScopeQueue,
			Sequences: []store.Sequence{{Items: []string{"a", "b"}}},
			ItemIndex: 1,
			Running:   true,
		},
	}
	f := newServerFixture(t, ctrl)

	res, err := http.Get(f.srv.URL + "/api/v1/state")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		State string          `json:"state"`
		Run   *store.RunState `json:"run"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "WaitingForCompletion", body.State)
	require.NotNil(t, body.Run)
	assert.Equal(t, "run-1", body.Run.RunID)
	assert.Equal(t, 1, body.Run.ItemIndex)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	f := newServerFixture(t, &fakeController{})
	f.post(t, `{"command":"stop"}`)

	res, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `scenepilot_control_commands_total{command="stop",outcome="ok"} 1`)
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newServerFixture(t, &fakeController{})
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/v1/command", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func dialEvents(t *testing.T, f *serverFixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/v1/events"
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHub_StreamsEventsAndAcceptsCommands(t *testing.T) {
	f := newServerFixture(t, &fakeController{})
	conn := dialEvents(t, f)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	f.events <- driver.Event{Type: driver.EventQueueProgress, RunID: "r", Progress: &driver.Progress{Done: 2, Total: 5, CurrentEntryNum: 1}}

	var ev driver.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, driver.EventQueueProgress, ev.Type)
	require.NotNil(t, ev.Progress)
	assert.Equal(t, 2, ev.Progress.Done)
	assert.Equal(t, 1, ev.Progress.CurrentEntryNum)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"requestId": "req-7",
		"command":   "start_queue",
		"params":    map[string]interface{}{"entries": []map[string]interface{}{{"items": []string{"x"}}}},
	}))
	var resp wsResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "response", resp.Type)
	assert.Equal(t, "req-7", resp.RequestID)
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"start_queue"}, f.ctrl.Calls())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	resp = wsResponse{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "invalid message")
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	f := newServerFixture(t, &fakeController{})
	conn := dialEvents(t, f)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return f.hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_ServeStopsWithContext(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctrl := &fakeController{}
	dispatcher := NewDispatcher(ctrl, time.Minute, nil, logger)
	s := NewServer(config.ControlConfig{RequestTimeout: time.Second}, ctrl, dispatcher, NewHub(dispatcher, time.Second, logger), nil, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	http.DefaultClient.CloseIdleConnections()
}
