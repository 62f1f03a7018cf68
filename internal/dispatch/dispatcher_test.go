package dispatch

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-mirror/internal/logging"
	"github.com/any-hub/edge-mirror/internal/tunnel"
)

// recordingCollaborator 按前缀认领请求并记录每个入口的调用次数。
type recordingCollaborator struct {
	prefix string

	mu         sync.Mutex
	classified int
	requests   int
	upgrades   int
	received   []byte
	done       chan struct{}
}

func newRecordingCollaborator(prefix string) *recordingCollaborator {
	return &recordingCollaborator{prefix: prefix, done: make(chan struct{}, 1)}
}

func (c *recordingCollaborator) ShouldRoute(r *http.Request) bool {
	c.mu.Lock()
	c.classified++
	c.mu.Unlock()
	return strings.HasPrefix(r.URL.Path, c.prefix)
}

func (c *recordingCollaborator) RouteRequest(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
	_, _ = io.WriteString(w, "tunnel")
}

// RouteUpgrade 读取 head 与后续字节直到出现 "EXTRA"，然后回写并关闭。
func (c *recordingCollaborator) RouteUpgrade(_ *http.Request, conn net.Conn, head []byte) {
	defer conn.Close()
	data := append([]byte(nil), head...)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	for !strings.Contains(string(data), "EXTRA") {
		n, err := conn.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}
	_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: test\r\nConnection: Upgrade\r\n\r\nok"))

	c.mu.Lock()
	c.upgrades++
	c.received = data
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *recordingCollaborator) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classified, c.requests, c.upgrades
}

type countingApp struct {
	mu    sync.Mutex
	calls int
}

func (a *countingApp) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	_, _ = io.WriteString(w, "app")
}

func (a *countingApp) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func TestDispatcherRoutesPlainRequests(t *testing.T) {
	cases := []struct {
		path       string
		wantBody   string
		wantTunnel bool
	}{
		{"/fq/v3/", "tunnel", true},
		{"/e/1/a.png", "app", false},
		{"/", "app", false},
	}

	for _, tc := range cases {
		collab := newRecordingCollaborator("/fq/")
		app := &countingApp{}
		d := New(collab, app, logging.Discard())

		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))

		if rec.Body.String() != tc.wantBody {
			t.Fatalf("%s: expected body %s, got %s", tc.path, tc.wantBody, rec.Body.String())
		}
		classified, requests, upgrades := collab.counts()
		if classified != 1 {
			t.Fatalf("%s: classification must happen exactly once, got %d", tc.path, classified)
		}
		if requests+app.count() != 1 || upgrades != 0 {
			t.Fatalf("%s: request handled %d times by tunnel and %d by app", tc.path, requests, app.count())
		}
		if (requests == 1) != tc.wantTunnel {
			t.Fatalf("%s: unexpected owner", tc.path)
		}
	}
}

func TestDispatcherRejectsUnclaimedUpgrade(t *testing.T) {
	collab := newRecordingCollaborator("/fq/")
	app := &countingApp{}
	srv := httptest.NewServer(New(collab, app, logging.Discard()))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET /e/1/socket HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("rejected upgrade must not receive a response, got %q", data)
	}
	if app.count() != 0 {
		t.Fatalf("application layer must not see upgrade requests")
	}
	if _, requests, upgrades := collab.counts(); requests != 0 || upgrades != 0 {
		t.Fatalf("collaborator should not handle rejected upgrade")
	}
}

func TestDispatcherHandsClaimedUpgradeWithHead(t *testing.T) {
	collab := newRecordingCollaborator("/fq/")
	app := &countingApp{}
	srv := httptest.NewServer(New(collab, app, logging.Discard()))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET /fq/socket HTTP/1.1\r\nHost: example.com\r\nConnection: keep-alive, Upgrade\r\nUpgrade: test\r\n\r\nEXTRA"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	select {
	case <-collab.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("collaborator never finished")
	}
	collab.mu.Lock()
	received := string(collab.received)
	collab.mu.Unlock()
	if received != "EXTRA" {
		t.Fatalf("bytes after the request must reach the collaborator, got %q", received)
	}
	if app.count() != 0 {
		t.Fatalf("application layer must not see claimed upgrades")
	}
}

func TestDispatcherRelaysWebsocketThroughTunnel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, append([]byte(r.URL.Path+":"), msg...))
	}))
	defer backend.Close()

	relay, err := tunnel.NewRelay("/fq/", backend.URL, logging.Discard())
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	app := &countingApp{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(New(relay, app, logging.Discard()), logging.Discard())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, ln) }()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws://"+ln.Addr().String()+"/fq/chat", nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "/fq/chat:hi" {
		t.Fatalf("unexpected relay payload: %s", msg)
	}
	conn.Close()

	resp, err := http.Get("http://" + ln.Addr().String() + "/e/1/a.png")
	if err != nil {
		t.Fatalf("plain request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "app" {
		t.Fatalf("unclaimed request should reach the app, got %s", body)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestDispatcherDefaultsToDisabledTunnel(t *testing.T) {
	app := &countingApp{}
	d := New(nil, app, nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fq/x", nil))
	if app.count() != 1 {
		t.Fatalf("without a tunnel every plain request goes to the app")
	}
}

func TestUpgradeWithoutHijackerIsRejected(t *testing.T) {
	collab := newRecordingCollaborator("/fq/")
	d := New(collab, &countingApp{}, logging.Discard())

	req := httptest.NewRequest(http.MethodGet, "/fq/socket", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when hijacking is unavailable, got %d", rec.Code)
	}
	if _, _, upgrades := collab.counts(); upgrades != 0 {
		t.Fatalf("collaborator must not receive an unhijacked upgrade")
	}
}

func TestIsUpgrade(t *testing.T) {
	cases := []struct {
		connection string
		upgrade    string
		want       bool
	}{
		{"Upgrade", "websocket", true},
		{"keep-alive, upgrade", "websocket", true},
		{"keep-alive", "websocket", false},
		{"Upgrade", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.connection != "" {
			req.Header.Set("Connection", tc.connection)
		}
		if tc.upgrade != "" {
			req.Header.Set("Upgrade", tc.upgrade)
		}
		if got := IsUpgrade(req); got != tc.want {
			t.Fatalf("IsUpgrade(%q, %q) = %v, want %v", tc.connection, tc.upgrade, got, tc.want)
		}
	}
}

func TestWithAccessLogOnlyAtDebug(t *testing.T) {
	app := &countingApp{}
	info := logrus.New()
	info.SetLevel(logrus.InfoLevel)
	if h := WithAccessLog(app, info); h != http.Handler(app) {
		t.Fatalf("info level must not wrap the handler")
	}

	debug := logrus.New()
	debug.SetLevel(logrus.DebugLevel)
	debug.SetOutput(io.Discard)
	wrapped := WithAccessLog(app, debug)
	if wrapped == http.Handler(app) {
		t.Fatalf("debug level should wrap the handler")
	}
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Body.String() != "app" || app.count() != 1 {
		t.Fatalf("wrapped handler should still reach the app")
	}
}
