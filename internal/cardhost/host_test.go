package cardhost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/protocol"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/router"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/testutil/testlog"
)

func marshalParams(t *testing.T, v any) []json.RawMessage {
	t.Helper()
	params, err := protocol.MarshalParams(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return params
}

func TestHandleTransmit(t *testing.T) {
	testlog.Start(t)
	reader := NewSimReader()
	h, err := NewHost(Config{RouterURL: "ws://unused", CardhostID: uuid.NewString()}, reader)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	result, werr := h.handleTransmit(context.Background(), marshalParams(t, transmitParams{APDU: "00A4040000"}))
	if werr != nil {
		t.Fatalf("transmit: %v", werr)
	}
	if result.(transmitResult).Response != "9000" {
		t.Fatalf("select response: %+v", result)
	}

	if _, werr = h.handleTransmit(context.Background(), marshalParams(t, transmitParams{APDU: "zz"})); werr == nil || werr.Code != protocol.CodeInvalidParams {
		t.Fatalf("non-hex apdu: %+v", werr)
	}

	reader.SetPresent(false)
	if _, werr = h.handleTransmit(context.Background(), marshalParams(t, transmitParams{APDU: "00A4040000"})); werr == nil || werr.Code != protocol.CodeCardNotPresent {
		t.Fatalf("absent card: %+v", werr)
	}
}

func TestHandleStatusAndDescribe(t *testing.T) {
	testlog.Start(t)
	id := uuid.NewString()
	h, err := NewHost(Config{RouterURL: "ws://unused", CardhostID: id, DisplayName: "desk reader"}, nil)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	status, werr := h.handleStatus(context.Background(), nil)
	if werr != nil || !status.(Status).Present {
		t.Fatalf("status: %+v %v", status, werr)
	}

	desc, werr := h.handleDescribe(context.Background(), nil)
	if werr != nil {
		t.Fatalf("describe: %v", werr)
	}
	d := desc.(Descriptor)
	if d.CardhostID != id || d.DisplayName != "desk reader" || d.ProtocolVersion != protocol.Version {
		t.Fatalf("descriptor: %+v", d)
	}
}

func TestNewHostRequiresIdentity(t *testing.T) {
	testlog.Start(t)
	if _, err := NewHost(Config{RouterURL: "ws://unused"}, nil); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("missing id accepted: %v", err)
	}
}

// End-to-end: a host registered with a real router serves a controller's
// apdu.transmit through the relay.
func TestHostServesThroughRouter(t *testing.T) {
	testlog.Start(t)
	svc := router.NewService(router.DefaultServiceConfig(), nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	cardhostID := uuid.NewString()
	cfg := DefaultHostConfig()
	cfg.RouterURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.CardhostID = cardhostID
	cfg.DisplayName = "sim"
	cfg.Conn.Reconnect = false
	h, err := NewHost(cfg, NewSimReader())
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if hosts, _ := svc.Table().Counts(); hosts == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/controller/sess-1/" + cardhostID
	ctrl, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("controller dial: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })

	params := marshalParams(t, transmitParams{APDU: "00A4040000"})
	raw, err := protocol.Encode(protocol.NewCall("req-1", protocol.MethodTransmit, params))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ctrl.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = ctrl.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ctrl.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.ID != "req-1" || env.Error != nil {
		t.Fatalf("unexpected reply: %+v", env)
	}
	var result transmitResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Response != "9000" {
		t.Fatalf("select through relay: %+v", result)
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop")
	}
}

// registerRawCardhost holds a registration open on a plain websocket,
// standing in for a session the router has not noticed dying yet.
func registerRawCardhost(t *testing.T, srvURL, cardhostID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srvURL, "http") + "/v1/cardhost/" + cardhostID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("raw cardhost dial: %v", err)
	}
	params := marshalParams(t, protocol.RegisterParams{
		CardhostID:      cardhostID,
		ProtocolVersion: protocol.Version,
	})
	raw, err := protocol.Encode(protocol.NewCall("reg-1", protocol.MethodRegister, params))
	if err != nil {
		t.Fatalf("encode register: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write register: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read register reply: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode register reply: %v", err)
	}
	if env.Error != nil {
		t.Fatalf("raw registration rejected: %+v", env.Error)
	}
	return conn
}

// tryTransmit runs one SELECT through the relay on a fresh controller
// session and reports the response, or an error if the relay or the
// cardhost refused.
func tryTransmit(srvURL, cardhostID string) (string, error) {
	url := "ws" + strings.TrimPrefix(srvURL, "http") + "/v1/controller/" + uuid.NewString() + "/" + cardhostID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	params, err := protocol.MarshalParams(transmitParams{APDU: "00A4040000"})
	if err != nil {
		return "", err
	}
	raw, err := protocol.Encode(protocol.NewCall("req-1", protocol.MethodTransmit, params))
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return "", err
	}
	if env.Error != nil {
		return "", env.Error
	}
	var result transmitResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

// A host whose identity is still held by a stale session must keep
// retrying registration instead of terminating, and take over once the
// stale session goes away.
func TestHostRetriesWhenIdentityStillHeld(t *testing.T) {
	testlog.Start(t)
	svc := router.NewService(router.DefaultServiceConfig(), nil)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)

	cardhostID := uuid.NewString()
	stale := registerRawCardhost(t, srv.URL, cardhostID)
	t.Cleanup(func() { _ = stale.Close() })

	cfg := DefaultHostConfig()
	cfg.RouterURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.CardhostID = cardhostID
	cfg.Conn.ReconnectInterval = 50 * time.Millisecond
	// A register call can die with its transport; keep its timeout short
	// so the retry loop is never pinned behind a lost call.
	cfg.CallTimeout = 500 * time.Millisecond
	h, err := NewHost(cfg, NewSimReader())
	if err != nil {
		t.Fatalf("new host: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()

	// Give the host time to collect at least one conflict rejection.
	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-runErr:
		t.Fatalf("host terminated on a transient conflict: %v", err)
	default:
	}

	// The stale holder disappears; the retrying host must claim the id
	// and start serving.
	_ = stale.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := tryTransmit(srv.URL, cardhostID)
		if err == nil && resp == "9000" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never took over the identity: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop")
	}
}
