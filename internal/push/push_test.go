package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

type fakeAuthorizer struct {
	userID   string
	authErr  error
	lines    map[string]bool
	operator bool
}

func (f fakeAuthorizer) Authenticate(_ context.Context, token string) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	if strings.TrimSpace(token) == "" {
		return "", errors.New("missing token")
	}
	return f.userID, nil
}

func (f fakeAuthorizer) HasLineAccess(_ context.Context, _, line string) (bool, error) {
	return f.lines[line], nil
}

func (f fakeAuthorizer) IsOperator(context.Context, string) (bool, error) {
	return f.operator, nil
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) CardState(_ context.Context, line, date string) (any, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return map[string]string{"line": line, "date": date, "state": "ok"}, nil
}

func (f *fakeProvider) WeeklyData(_ context.Context, line, endDate string) (any, error) {
	return map[string]string{"line": line, "end": endDate}, nil
}

func (f *fakeProvider) PartAnalysis(_ context.Context, line, date string) (any, error) {
	return map[string]string{"line": line, "date": date}, nil
}

func (f *fakeProvider) PerformanceMetrics(_ context.Context, line, date string) (any, error) {
	return map[string]string{"line": line, "date": date}, nil
}

func (f *fakeProvider) JobStatus(context.Context) (any, error) {
	return map[string]string{"state": "idle"}, nil
}

func newTestServer(t *testing.T, auth Authorizer) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(NewHub(), auth, &fakeProvider{}, nil)
	hts := httptest.NewServer(srv.Handler())
	t.Cleanup(hts.Close)
	return srv, hts
}

func dialPush(t *testing.T, hts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, err := dialPushErr(hts, token)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialPushErr(hts *httptest.Server, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(hts.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	return websocket.Dial(wsURL, "", hts.URL)
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := json.NewDecoder(conn).Decode(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame Frame) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func TestAnonymousConnectionRejected(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{userID: "u1"})
	if _, err := dialPushErr(hts, ""); err == nil {
		t.Fatal("expected handshake to fail without a token")
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{authErr: errors.New("expired")})
	if _, err := dialPushErr(hts, "bad"); err == nil {
		t.Fatal("expected handshake to fail with an invalid token")
	}
}

func TestSubscribeDeliversInitialState(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{userID: "u1", lines: map[string]bool{"L1": true}})
	conn := dialPush(t, hts, "tok")

	sendFrame(t, conn, Frame{
		Type:    TypeSubscribe,
		Payload: mustJSON(subscribePayload{Line: "L1", Date: "2024-03-01"}),
	})

	sub := readFrame(t, conn)
	if sub.Type != TypeSubscribed {
		t.Fatalf("first frame = %q, want %q", sub.Type, TypeSubscribed)
	}
	var roomInfo map[string]string
	if err := json.Unmarshal(sub.Payload, &roomInfo); err != nil {
		t.Fatalf("decode subscribed payload: %v", err)
	}
	if roomInfo["room"] != "dashboard_L1_2024-03-01" {
		t.Errorf("room = %q, want dashboard_L1_2024-03-01", roomInfo["room"])
	}

	state := readFrame(t, conn)
	if state.Type != TypeDashboardUpdate {
		t.Fatalf("second frame = %q, want %q", state.Type, TypeDashboardUpdate)
	}
}

func TestSubscribeWithoutLineAccessForbidden(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{userID: "u1", lines: map[string]bool{}})
	conn := dialPush(t, hts, "tok")

	sendFrame(t, conn, Frame{
		Type:    TypeSubscribe,
		Payload: mustJSON(subscribePayload{Line: "L1", Date: "2024-03-01"}),
	})

	reply := readFrame(t, conn)
	if reply.Type != TypeError {
		t.Fatalf("frame = %q, want %q", reply.Type, TypeError)
	}
	var perr errorPayload
	if err := json.Unmarshal(reply.Payload, &perr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if perr.Code != "forbidden" {
		t.Errorf("code = %q, want forbidden", perr.Code)
	}
}

func TestStatusRoomRequiresOperator(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{userID: "u1", operator: false})
	conn := dialPush(t, hts, "tok")

	sendFrame(t, conn, Frame{Type: TypeSubscribeStatus})
	reply := readFrame(t, conn)
	if reply.Type != TypeError {
		t.Fatalf("frame = %q, want %q", reply.Type, TypeError)
	}
}

func TestOperatorGetsStatusOnSubscribe(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{userID: "op", operator: true})
	conn := dialPush(t, hts, "tok")

	sendFrame(t, conn, Frame{Type: TypeSubscribeStatus})
	if got := readFrame(t, conn); got.Type != TypeSubscribed {
		t.Fatalf("first frame = %q, want %q", got.Type, TypeSubscribed)
	}
	if got := readFrame(t, conn); got.Type != TypeAggregationStatus {
		t.Fatalf("second frame = %q, want %q", got.Type, TypeAggregationStatus)
	}
}

func TestRequestUpdateRoundTrip(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{userID: "u1", lines: map[string]bool{"L1": true}})
	conn := dialPush(t, hts, "tok")

	sendFrame(t, conn, Frame{
		Type:      TypeRequestUpdate,
		RequestID: "r1",
		Payload:   mustJSON(requestPayload{Line: "L1", Date: "2024-03-01"}),
	})
	reply := readFrame(t, conn)
	if reply.Type != TypeDashboardUpdate || reply.RequestID != "r1" {
		t.Fatalf("frame = %q request_id = %q, want %q/r1", reply.Type, reply.RequestID, TypeDashboardUpdate)
	}
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	_, hts := newTestServer(t, fakeAuthorizer{userID: "u1", lines: map[string]bool{"L1": true}})
	conn := dialPush(t, hts, "tok")

	sendFrame(t, conn, Frame{Type: "bogus_type"})
	// The connection stays usable afterwards.
	sendFrame(t, conn, Frame{
		Type:      TypeRequestUpdate,
		RequestID: "r2",
		Payload:   mustJSON(requestPayload{Line: "L1", Date: "2024-03-01"}),
	})
	reply := readFrame(t, conn)
	if reply.Type != TypeDashboardUpdate {
		t.Fatalf("frame after unknown type = %q, want %q", reply.Type, TypeDashboardUpdate)
	}
}

func TestBroadcastReachesSubscribedRoomOnly(t *testing.T) {
	srv, hts := newTestServer(t, fakeAuthorizer{userID: "u1", lines: map[string]bool{"L1": true, "L2": true}})

	conn := dialPush(t, hts, "tok")
	sendFrame(t, conn, Frame{
		Type:    TypeSubscribe,
		Payload: mustJSON(subscribePayload{Line: "L1", Date: "2024-03-01"}),
	})
	readFrame(t, conn) // subscribed
	readFrame(t, conn) // initial state

	if n := srv.Hub().Broadcast(RoomName("L2", "2024-03-01"), Frame{Type: TypeAggregationUpdate}); n != 0 {
		t.Fatalf("broadcast to unsubscribed room reached %d peers", n)
	}
	if n := srv.Hub().Broadcast(RoomName("L1", "2024-03-01"), Frame{Type: TypeAggregationUpdate}); n != 1 {
		t.Fatalf("broadcast reached %d peers, want 1", n)
	}
	got := readFrame(t, conn)
	if got.Type != TypeAggregationUpdate {
		t.Fatalf("frame = %q, want %q", got.Type, TypeAggregationUpdate)
	}
}

func TestSlowPeerCoalescesToLatestFrame(t *testing.T) {
	var coalesced atomic.Int64
	gate := make(chan struct{})

	// A peer whose pump is blocked until the gate opens: the first offer is
	// consumed immediately, later ones pile into the single mailbox slot.
	p := newPeer(json.NewEncoder(blockingWriter{gate: gate}), func() { coalesced.Add(1) })
	defer p.close()

	p.offer(Frame{Type: TypeDashboardUpdate, Payload: mustJSON(map[string]int{"v": 1})})
	waitFor(t, func() bool { // pump has taken the first frame and is writing
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.pending == nil
	})

	p.offer(Frame{Type: TypeDashboardUpdate, Payload: mustJSON(map[string]int{"v": 2})})
	p.offer(Frame{Type: TypeDashboardUpdate, Payload: mustJSON(map[string]int{"v": 3})})
	p.offer(Frame{Type: TypeDashboardUpdate, Payload: mustJSON(map[string]int{"v": 4})})

	if got := coalesced.Load(); got != 2 {
		t.Fatalf("coalesced = %d, want 2 (v2 and v3 replaced)", got)
	}

	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()
	if pending == nil {
		t.Fatal("expected a pending frame")
	}
	var payload map[string]int
	if err := json.Unmarshal(pending.Payload, &payload); err != nil {
		t.Fatalf("decode pending payload: %v", err)
	}
	if payload["v"] != 4 {
		t.Errorf("pending frame v = %d, want 4 (latest wins)", payload["v"])
	}
	close(gate)
}

type blockingWriter struct{ gate chan struct{} }

func (w blockingWriter) Write(b []byte) (int, error) {
	<-w.gate
	return len(b), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within deadline")
	}
}

func TestHandlerRejectsNonGet(t *testing.T) {
	srv := NewServer(NewHub(), fakeAuthorizer{userID: "u1"}, &fakeProvider{}, nil)
	hts := httptest.NewServer(srv.Handler())
	defer hts.Close()

	resp, err := http.Post(hts.URL+"/ws", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}
