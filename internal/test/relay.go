// Package test provides an in-process relay and scripted devices for
// integration tests. The relay is a real HTTP server speaking the wire
// protocol over loopback WebSockets, so tests exercise the coordinator's
// actual dial, receive, and teardown paths instead of an in-memory stub.
package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/asterism-org/asterism/internal/aip"
	"github.com/asterism-org/asterism/internal/transport"
)

// Relay accepts WebSocket sessions on /ws and answers protocol frames on
// behalf of scripted devices: it confirms REGISTER with a HEARTBEAT(ok)
// echoing the session id, echoes liveness probes, answers device-info
// requests, and hands TASK frames to the device script.
type Relay struct {
	srv    *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	devices map[string]*FakeDevice
	accepts int
}

// NewRelay starts a relay on a loopback listener. Shutdown is registered
// with t.Cleanup.
func NewRelay(t *testing.T) *Relay {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]*FakeDevice),
	}
	mux := chi.NewRouter()
	mux.Get("/ws", r.handleWS)
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.Close)
	return r
}

// URL returns the WebSocket endpoint device profiles point at.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

// Close stops accepting sessions and drops the live ones. Safe to call
// more than once.
func (r *Relay) Close() {
	r.cancel()
	r.srv.Close()
}

// Device returns the script for a device id, creating one that completes
// every task on first use. The same script persists across reconnects.
func (r *Relay) Device(deviceID string) *FakeDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[deviceID]
	if !ok {
		dev = newFakeDevice(deviceID)
		r.devices[deviceID] = dev
	}
	return dev
}

// Accepts reports how many sessions the relay accepted, across all devices.
func (r *Relay) Accepts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepts
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	r.mu.Lock()
	r.accepts++
	r.mu.Unlock()

	r.serve(transport.NewConn(conn))
}

// serve runs one session until the peer or the relay closes it. The session
// belongs to no device until a REGISTER names one; frames arriving before
// that are dropped, as are frames the script decides to swallow.
func (r *Relay) serve(sess transport.Session) {
	defer func() { _ = sess.Close(websocket.StatusNormalClosure, "relay closing") }()

	var dev *FakeDevice
	defer func() {
		if dev != nil {
			dev.detach(sess)
		}
	}()

	for {
		frame, err := sess.Recv(r.ctx)
		if err != nil {
			return
		}
		msg, err := aip.Decode(frame)
		if err != nil {
			continue
		}

		switch msg.Type {
		case aip.TypeRegister:
			payload, err := msg.Register()
			if err != nil || payload.DeviceID == "" {
				continue
			}
			dev = r.Device(payload.DeviceID)
			dev.attach(sess)
			if dev.dropRegisters.Load() {
				continue
			}
			dev.push(ackReply(msg))
		case aip.TypeHeartbeat:
			if dev == nil || dev.dropProbes.Load() {
				continue
			}
			dev.push(ackReply(msg))
		case aip.TypeDeviceInfoRequest:
			if dev == nil {
				continue
			}
			dev.push(infoReply(msg, dev.Info()))
		case aip.TypeTask:
			if dev == nil {
				continue
			}
			dev.handleTask(msg)
		}
	}
}
