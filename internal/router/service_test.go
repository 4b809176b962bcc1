package router

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/auth"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/protocol"
	"github.com/AokiApp/jsapdu-over-ip-sub003/internal/testutil/testlog"
)

func startService(t *testing.T, verifier auth.Verifier) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(DefaultServiceConfig(), verifier)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env protocol.Envelope) []byte {
	t.Helper()
	raw, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	return raw
}

func registerEnvelope(t *testing.T, cardhostID, key string) protocol.Envelope {
	t.Helper()
	params, err := protocol.MarshalParams(protocol.RegisterParams{
		CardhostID:      cardhostID,
		DisplayName:     "test reader",
		PublicKey:       key,
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		t.Fatalf("marshal register params: %v", err)
	}
	return protocol.NewCall("reg-1", protocol.MethodRegister, params)
}

// dialCardhost connects and completes the registration handshake.
func dialCardhost(t *testing.T, srv *httptest.Server, cardhostID string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, srv, "/v1/cardhost/"+cardhostID)
	sendEnvelope(t, conn, registerEnvelope(t, cardhostID, "pk-test"))
	reply := readEnvelope(t, conn)
	if reply.ID != "reg-1" || reply.Error != nil {
		t.Fatalf("registration not accepted: %+v", reply)
	}
	return conn
}

func TestCardhostRegistration(t *testing.T) {
	testlog.Start(t)
	svc, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	dialCardhost(t, srv, cardhostID)

	hosts, _ := svc.Table().Counts()
	if hosts != 1 {
		t.Fatalf("registered cardhosts: %d", hosts)
	}
	infos := svc.Table().Snapshot()
	if len(infos) != 1 || infos[0].ID != cardhostID || infos[0].DisplayName != "test reader" {
		t.Fatalf("snapshot: %+v", infos)
	}
}

func TestCardhostRegistrationConflict(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	dialCardhost(t, srv, cardhostID)

	second := dialWS(t, srv, "/v1/cardhost/"+cardhostID)
	sendEnvelope(t, second, registerEnvelope(t, cardhostID, "pk-test"))
	reply := readEnvelope(t, second)
	if reply.Error == nil || reply.Error.Code != protocol.CodeCardhostConflict {
		t.Fatalf("duplicate identity accepted: %+v", reply)
	}
}

func TestCardhostRegistrationVersionMismatch(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	conn := dialWS(t, srv, "/v1/cardhost/"+cardhostID)
	params, _ := protocol.MarshalParams(protocol.RegisterParams{
		CardhostID:      cardhostID,
		ProtocolVersion: "1.0",
	})
	sendEnvelope(t, conn, protocol.NewCall("reg-1", protocol.MethodRegister, params))
	reply := readEnvelope(t, conn)
	if reply.Error == nil || reply.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("version mismatch accepted: %+v", reply)
	}
}

func TestCardhostRegistrationAuthFailure(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, auth.StaticKey{Key: "pk-good"})
	cardhostID := uuid.NewString()

	conn := dialWS(t, srv, "/v1/cardhost/"+cardhostID)
	sendEnvelope(t, conn, registerEnvelope(t, cardhostID, "pk-bad"))
	reply := readEnvelope(t, conn)
	if reply.Error == nil || reply.Error.Code != protocol.CodeAuthenticationFailed {
		t.Fatalf("bad key accepted: %+v", reply)
	}
}

func TestCardhostMustRegisterFirst(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	conn := dialWS(t, srv, "/v1/cardhost/"+cardhostID)
	params, _ := protocol.MarshalParams("late")
	sendEnvelope(t, conn, protocol.NewCall("req-1", "apdu.transmit", params))
	reply := readEnvelope(t, conn)
	if reply.ID != "req-1" || reply.Error == nil || reply.Error.Code != protocol.CodeInvalidRequest {
		t.Fatalf("non-register first envelope accepted: %+v", reply)
	}
}

func TestControllerBindUnknownCardhost(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)

	conn := dialWS(t, srv, "/v1/controller/sess-1/"+uuid.NewString())
	env := readEnvelope(t, conn)
	if env.Kind() != protocol.KindNotification || env.Method != protocol.MethodRouterError {
		t.Fatalf("expected router.error notification, got %+v", env)
	}
	var werr protocol.WireError
	if err := json.Unmarshal(env.Params[0], &werr); err != nil {
		t.Fatalf("decode error params: %v", err)
	}
	if werr.Code != protocol.CodeCardhostNotFound {
		t.Fatalf("bind failure code: %d", werr.Code)
	}
}

func TestRelayRoundTripVerbatim(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	host := dialCardhost(t, srv, cardhostID)
	ctrl := dialWS(t, srv, "/v1/controller/sess-1/"+cardhostID)

	params, _ := protocol.MarshalParams(map[string]string{"apdu": "00A4040000"})
	callRaw := sendEnvelope(t, ctrl, protocol.NewCall("req-1", "apdu.transmit", params))

	_ = host.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, gotCall, err := host.ReadMessage()
	if err != nil {
		t.Fatalf("cardhost read: %v", err)
	}
	if string(gotCall) != string(callRaw) {
		t.Fatalf("call rewritten in transit:\n got %s\nwant %s", gotCall, callRaw)
	}

	respRaw := sendEnvelope(t, host, protocol.NewResult("req-1", []byte(`{"response":"9000"}`)))
	_ = ctrl.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, gotResp, err := ctrl.ReadMessage()
	if err != nil {
		t.Fatalf("controller read: %v", err)
	}
	if string(gotResp) != string(respRaw) {
		t.Fatalf("response rewritten in transit:\n got %s\nwant %s", gotResp, respRaw)
	}
}

func TestCardhostDropSettlesPendingCall(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	host := dialCardhost(t, srv, cardhostID)
	ctrl := dialWS(t, srv, "/v1/controller/sess-1/"+cardhostID)

	params, _ := protocol.MarshalParams(map[string]string{"apdu": "00B0000010"})
	sendEnvelope(t, ctrl, protocol.NewCall("req-5", "apdu.transmit", params))

	// Let the cardhost swallow the call, then vanish without answering.
	_ = host.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := host.ReadMessage(); err != nil {
		t.Fatalf("cardhost read: %v", err)
	}
	_ = host.Close()

	settlement := readEnvelope(t, ctrl)
	if settlement.Kind() != protocol.KindResponse || settlement.ID != "req-5" {
		t.Fatalf("expected settlement for req-5, got %+v", settlement)
	}
	if settlement.Error == nil || settlement.Error.Code != protocol.CodeConnectionLost {
		t.Fatalf("settlement error: %+v", settlement.Error)
	}

	gone := readEnvelope(t, ctrl)
	if gone.Kind() != protocol.KindNotification || gone.Method != protocol.MethodGone {
		t.Fatalf("expected %s, got %+v", protocol.MethodGone, gone)
	}
}

func TestConcurrentCallsKeepCorrelation(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	host := dialCardhost(t, srv, cardhostID)
	ctrl := dialWS(t, srv, "/v1/controller/sess-1/"+cardhostID)

	const calls = 10
	// Echo loop: answer each call with a result carrying its id.
	go func() {
		for i := 0; i < calls; i++ {
			_ = host.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, data, err := host.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil || env.Kind() != protocol.KindCall {
				continue
			}
			result := []byte(fmt.Sprintf(`{"echo":%q}`, env.ID))
			raw, err := protocol.Encode(protocol.NewResult(env.ID, result))
			if err != nil {
				return
			}
			if err := host.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}()

	for i := 0; i < calls; i++ {
		params, _ := protocol.MarshalParams(map[string]int{"seq": i})
		sendEnvelope(t, ctrl, protocol.NewCall(fmt.Sprintf("req-%d", i), "card.status", params))
	}

	seen := make(map[string]string, calls)
	for i := 0; i < calls; i++ {
		env := readEnvelope(t, ctrl)
		if env.Kind() != protocol.KindResponse || env.Result == nil {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		var payload struct {
			Echo string `json:"echo"`
		}
		if err := json.Unmarshal(env.Result, &payload); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		seen[env.ID] = payload.Echo
	}
	if len(seen) != calls {
		t.Fatalf("responses collapsed: %d distinct ids", len(seen))
	}
	for id, echo := range seen {
		if id != echo {
			t.Fatalf("response %s carries payload for %s", id, echo)
		}
	}
}

func TestDuplicateControllerSessionRejected(t *testing.T) {
	testlog.Start(t)
	_, srv := startService(t, nil)
	cardhostID := uuid.NewString()

	dialCardhost(t, srv, cardhostID)
	ctrl := dialWS(t, srv, "/v1/controller/sess-1/"+cardhostID)

	// A second socket for the same logical session cannot bind.
	dup := dialWS(t, srv, "/v1/controller/sess-1/"+cardhostID)
	env := readEnvelope(t, dup)
	if env.Method != protocol.MethodRouterError {
		t.Fatalf("duplicate session bound: %+v", env)
	}

	// The original binding is untouched.
	params, _ := protocol.MarshalParams(map[string]bool{"present": true})
	sendEnvelope(t, ctrl, protocol.NewNotification("card.status", params))
}
