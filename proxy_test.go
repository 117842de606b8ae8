package netguard

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = freePort(t)
	cfg.Server.HTTPSPort = freePort(t)
	cfg.Server.EnableHTTPS = false
	cfg.Admin.Enabled = false
	return cfg
}

// newHandlerServer builds a Server usable directly via ServeHTTP,
// without binding sockets.
func newHandlerServer(t *testing.T, domains []string) *Server {
	t.Helper()
	cfg := newTestConfig(t)
	cfg.Blocklist.Domains = domains

	s := NewServer(cfg)
	s.Logger = discardLogger()
	s.BlockPage = NewBlockPage()
	s.transport = s.buildTransport()
	return s
}

func TestServer_StartStopIdempotent(t *testing.T) {
	s := NewServer(newTestConfig(t))
	s.Logger = discardLogger()

	if got := s.GetStatus(); got != StatusStopped {
		t.Fatalf("initial status = %v, want stopped", got)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := s.GetStatus(); got != StatusRunning {
		t.Fatalf("status after Start = %v, want running", got)
	}

	// Second Start must be a no-op success.
	if err := s.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := s.GetStatus(); got != StatusStopped {
		t.Fatalf("status after Stop = %v, want stopped", got)
	}

	// Second Stop must be a no-op success.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestServer_ConcurrentStart(t *testing.T) {
	s := NewServer(newTestConfig(t))
	s.Logger = discardLogger()
	t.Cleanup(func() { _ = s.Stop() })

	// Every concurrent Start must succeed; a second bind of the same
	// sockets would fail with an address-in-use error.
	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Start: %v", err)
		}
	}
	if got := s.GetStatus(); got != StatusRunning {
		t.Fatalf("status = %v, want running", got)
	}

	conn, err := net.DialTimeout("tcp", s.ProxyAddr(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy after concurrent Start: %v", err)
	}
	_ = conn.Close()
}

func TestServer_StartInvalidConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.BindAddress = ""

	s := NewServer(cfg)
	s.Logger = discardLogger()

	if err := s.Start(); err == nil {
		t.Fatal("Start should fail with invalid config")
	}
	if got := s.GetStatus(); got != StatusError {
		t.Errorf("status = %v, want error", got)
	}
}

func TestServer_StartPortConflict(t *testing.T) {
	cfg := newTestConfig(t)

	// Occupy the HTTP port so binding fails.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Server.HTTPPort))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer func() { _ = ln.Close() }()

	s := NewServer(cfg)
	s.Logger = discardLogger()

	if err := s.Start(); err == nil {
		t.Fatal("Start should fail when the port is taken")
	}
	if got := s.GetStatus(); got != StatusError {
		t.Errorf("status = %v, want error", got)
	}
}

func TestServer_Restart(t *testing.T) {
	s := NewServer(newTestConfig(t))
	s.Logger = discardLogger()

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if got := s.GetStatus(); got != StatusRunning {
		t.Errorf("status after Restart = %v, want running", got)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestServer_RestartResetsStats(t *testing.T) {
	s := newHandlerServer(t, []string{"blocked.test"})

	req := httptest.NewRequest(http.MethodGet, "http://blocked.test/", nil)
	s.ServeHTTP(httptest.NewRecorder(), req)

	if got := s.GetStats().BlockedRequests; got != 1 {
		t.Fatalf("BlockedRequests = %d, want 1", got)
	}

	s.stats.Reset()
	if got := s.GetStats().BlockedRequests; got != 0 {
		t.Errorf("BlockedRequests after reset = %d, want 0", got)
	}
}

func TestServer_BlockedHTTPRequest(t *testing.T) {
	s := newHandlerServer(t, []string{"example.test"})

	// Subdomains of a blocked pattern are blocked too.
	req := httptest.NewRequest(http.MethodGet, "http://sub.example.test/some/page", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	// Block responses are deliberately 200 so browsers render the page.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "sub.example.test") {
		t.Error("body should name the requested domain")
	}

	snap := s.GetStats()
	if snap.BlockedRequests != 1 || snap.TotalRequests != 1 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestServer_BlockedHTTPRequest_JSON(t *testing.T) {
	s := newHandlerServer(t, []string{"blocked.test"})

	req := httptest.NewRequest(http.MethodGet, "http://blocked.test/api", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"blocked":true`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestServer_AllowedHTTPRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "upstream body")
	}))
	defer upstream.Close()

	s := newHandlerServer(t, []string{"blocked.test"})

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/x", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	// Upstream status and body pass through verbatim.
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream header missing")
	}
	if rec.Body.String() != "upstream body" {
		t.Errorf("body = %q", rec.Body.String())
	}

	snap := s.GetStats()
	if snap.AllowedRequests != 1 || snap.BlockedRequests != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestServer_EmptyBlocklistForwardsEverything(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	s := newHandlerServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, upstream.URL, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := s.GetStats().AllowedRequests; got != 1 {
		t.Errorf("AllowedRequests = %d, want 1", got)
	}
}

func TestServer_UpstreamConnectionRefused(t *testing.T) {
	// A freshly released port refuses connections.
	deadURL := fmt.Sprintf("http://127.0.0.1:%d/", freePort(t))

	s := newHandlerServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, deadURL, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestServer_MissingHost(t *testing.T) {
	s := newHandlerServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/relative", nil)
	req.Host = ""
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServer_UpdateBlockedDomains(t *testing.T) {
	s := newHandlerServer(t, []string{"old.test"})

	if blocked, _ := s.matchDomain("old.test"); !blocked {
		t.Fatal("old.test should be blocked initially")
	}

	s.UpdateBlockedDomains([]string{"new.test"})

	if blocked, _ := s.matchDomain("old.test"); blocked {
		t.Error("old.test should no longer be blocked")
	}
	if blocked, _ := s.matchDomain("new.test"); !blocked {
		t.Error("new.test should be blocked")
	}

	got := s.BlockedDomains()
	if len(got) != 1 || got[0] != "new.test" {
		t.Errorf("BlockedDomains() = %v", got)
	}
}

func TestServer_InterceptionCallback(t *testing.T) {
	s := newHandlerServer(t, []string{"blocked.test"})

	var events []InterceptionEvent
	s.SetInterceptionCallback(func(ev InterceptionEvent) {
		events = append(events, ev)
	})

	req := httptest.NewRequest(http.MethodGet, "http://blocked.test/page", nil)
	req.Header.Set("User-Agent", "test-agent")
	s.ServeHTTP(httptest.NewRecorder(), req)

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Domain != "blocked.test" {
		t.Errorf("Domain = %q", ev.Domain)
	}
	if ev.Protocol != "http" {
		t.Errorf("Protocol = %q", ev.Protocol)
	}
	if ev.UserAgent != "test-agent" {
		t.Errorf("UserAgent = %q", ev.UserAgent)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}

	// Allowed requests must not emit events.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	s.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, upstream.URL, nil))

	if len(events) != 1 {
		t.Errorf("allowed request emitted an event; got %d events", len(events))
	}
}

func TestServer_CallbackPanicDoesNotAbortRequest(t *testing.T) {
	s := newHandlerServer(t, []string{"blocked.test"})
	s.SetInterceptionCallback(func(InterceptionEvent) {
		panic("callback exploded")
	})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://blocked.test/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 despite panicking callback", rec.Code)
	}
	if got := s.GetStats().BlockedRequests; got != 1 {
		t.Errorf("BlockedRequests = %d, want 1", got)
	}
}

func TestServer_ConnectDisabledWithoutHTTPS(t *testing.T) {
	s := newHandlerServer(t, nil)

	req := httptest.NewRequest(http.MethodConnect, "http://example.com:443", nil)
	req.Host = "example.com:443"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

// --------------------------------------------------------------------------
// CONNECT over real sockets
// --------------------------------------------------------------------------

func startHTTPSProxy(t *testing.T, domains []string) (*Server, *CertManager) {
	t.Helper()

	cfg := newTestConfig(t)
	cfg.Server.EnableHTTPS = true
	cfg.Blocklist.Domains = domains

	cm := newTestCertManager(t)
	if err := cm.EnableCache(16); err != nil {
		t.Fatalf("EnableCache failed: %v", err)
	}

	s := NewServer(cfg)
	s.Logger = discardLogger()
	s.Issuer = cm

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, cm
}

func dialConnect(t *testing.T, s *Server, target string) net.Conn {
	t.Helper()

	addr := fmt.Sprintf("127.0.0.1:%d", s.GetConfig().Server.HTTPSPort)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	// Read the response one byte at a time so no tunnel bytes that
	// follow the header block are swallowed by a buffered reader.
	var head []byte
	one := make([]byte, 1)
	for !bytes.HasSuffix(head, []byte("\r\n\r\n")) {
		if _, err := conn.Read(one); err != nil {
			_ = conn.Close()
			t.Fatalf("read CONNECT response: %v", err)
		}
		head = append(head, one[0])
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		_ = conn.Close()
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		t.Fatalf("CONNECT status = %d, want 200", resp.StatusCode)
	}
	return conn
}

func TestServer_ConnectBlockedHost(t *testing.T) {
	s, cm := startHTTPSProxy(t, []string{"blocked.test"})

	conn := dialConnect(t, s, "blocked.test:443")
	defer func() { _ = conn.Close() }()

	roots := x509.NewCertPool()
	roots.AddCert(cm.CACert())

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: "blocked.test",
		RootCAs:    roots,
	})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}

	// The presented leaf must be for the requested host and chain to
	// the local root.
	leaf := tlsConn.ConnectionState().PeerCertificates[0]
	if leaf.Subject.CommonName != "blocked.test" {
		t.Errorf("leaf CommonName = %q", leaf.Subject.CommonName)
	}

	req, _ := http.NewRequest(http.MethodGet, "https://blocked.test/page", nil)
	req.Header.Set("Accept", "text/html")
	if err := req.Write(tlsConn); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), req)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "blocked.test") {
		t.Error("block page should name the domain")
	}

	if got := s.GetStats().BlockedRequests; got != 1 {
		t.Errorf("BlockedRequests = %d, want 1", got)
	}
}

func TestServer_ConnectAllowedHostTunnels(t *testing.T) {
	// Plain TCP echo upstream; the proxy must relay bytes untouched.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start upstream: %v", err)
	}
	defer func() { _ = upstream.Close() }()
	go func() {
		for {
			c, err := upstream.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()

	s, _ := startHTTPSProxy(t, []string{"blocked.test"})

	conn := dialConnect(t, s, upstream.Addr().String())
	defer func() { _ = conn.Close() }()

	payload := "opaque bytes through the tunnel"
	if _, err := io.WriteString(conn, payload); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}

	buf := make([]byte, len(payload))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if string(buf) != payload {
		t.Errorf("echo = %q, want %q", buf, payload)
	}

	if got := s.GetStats().AllowedRequests; got != 1 {
		t.Errorf("AllowedRequests = %d, want 1", got)
	}
}

func TestServer_TunnelPropagatesHalfClose(t *testing.T) {
	upstreamGot := make(chan string, 1)
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start upstream: %v", err)
	}
	defer func() { _ = upstream.Close() }()
	go func() {
		c, err := upstream.Accept()
		if err != nil {
			return
		}
		defer func() { _ = c.Close() }()
		_, _ = io.WriteString(c, "hello")
		_ = c.(*net.TCPConn).CloseWrite()
		b, _ := io.ReadAll(c)
		upstreamGot <- string(b)
	}()

	s, _ := startHTTPSProxy(t, nil)

	conn := dialConnect(t, s, upstream.Addr().String())
	defer func() { _ = conn.Close() }()

	// The upstream half-closes after its greeting; the EOF must reach
	// the client even though the client conn arrives wrapped by the
	// connection cap.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	greeting, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if string(greeting) != "hello" {
		t.Errorf("greeting = %q, want %q", greeting, "hello")
	}

	// The client half stays writable after the upstream's EOF.
	if _, err := io.WriteString(conn, "bye"); err != nil {
		t.Fatalf("write after upstream EOF: %v", err)
	}
	_ = conn.(*net.TCPConn).CloseWrite()

	select {
	case got := <-upstreamGot:
		if got != "bye" {
			t.Errorf("upstream read %q, want %q", got, "bye")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the client's bytes")
	}
}

func TestServer_ConnectUnreachableUpstream(t *testing.T) {
	s, _ := startHTTPSProxy(t, nil)

	addr := fmt.Sprintf("127.0.0.1:%d", s.GetConfig().Server.HTTPSPort)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer func() { _ = conn.Close() }()

	target := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestServer_StopTerminatesInFlightForwards(t *testing.T) {
	// Upstream that streams forever; the forward outlives any grace
	// period unless Stop tears it down.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl, ok := w.(http.Flusher)
		if !ok {
			return
		}
		chunk := strings.Repeat("x", 1024)
		for {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
			fl.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	s := NewServer(newTestConfig(t))
	s.Logger = discardLogger()
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	conn, err := net.DialTimeout("tcp", s.ProxyAddr(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer func() { _ = conn.Close() }()

	host := strings.TrimPrefix(upstream.URL, "http://")
	fmt.Fprintf(conn, "GET %s/stream HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.URL, host)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Confirm the forward is streaming before stopping.
	if _, err := io.ReadFull(resp.Body, make([]byte, 2048)); err != nil {
		t.Fatalf("read streamed body: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(stopGracePeriod + 3*time.Second):
		t.Fatal("Stop did not return")
	}
	if got := s.GetStatus(); got != StatusStopped {
		t.Fatalf("status = %v, want stopped", got)
	}

	// The connection must be torn down with the server, not left
	// streaming fresh bytes to the client.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.Copy(io.Discard, resp.Body); err == nil || isTimeoutErr(err) {
		t.Fatalf("in-flight forward still streaming after Stop (err=%v)", err)
	}
}

func TestServer_StopClosesTunnels(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("start upstream: %v", err)
	}
	defer func() { _ = upstream.Close() }()
	go func() {
		for {
			c, err := upstream.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()

	s, _ := startHTTPSProxy(t, nil)
	conn := dialConnect(t, s, upstream.Addr().String())
	defer func() { _ = conn.Close() }()

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * stopGracePeriod):
		t.Fatal("Stop did not return; open tunnel was not force-closed")
	}

	// The tunnel connection must be dead after Stop.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected closed tunnel after Stop")
	}
}

// --------------------------------------------------------------------------
// Connection cap
// --------------------------------------------------------------------------

func TestCapListenerSharesOneLimit(t *testing.T) {
	sem := make(chan struct{}, 1)

	newWrapped := func() *capListener {
		inner, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		ln := newCapListener(inner, sem)
		t.Cleanup(func() { _ = ln.Close() })
		return ln
	}
	ln1 := newWrapped()
	ln2 := newWrapped()

	d1, err := net.Dial("tcp", ln1.Addr().String())
	if err != nil {
		t.Fatalf("dial first listener: %v", err)
	}
	defer func() { _ = d1.Close() }()
	c1, err := ln1.Accept()
	if err != nil {
		t.Fatalf("accept on first listener: %v", err)
	}

	d2, err := net.Dial("tcp", ln2.Addr().String())
	if err != nil {
		t.Fatalf("dial second listener: %v", err)
	}
	defer func() { _ = d2.Close() }()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln2.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	// The slot is held by the first listener's conn; the second
	// listener must not accept past the shared cap.
	select {
	case c := <-accepted:
		_ = c.Close()
		t.Fatal("second listener accepted past the shared cap")
	case <-time.After(100 * time.Millisecond):
	}

	_ = c1.Close()

	select {
	case c := <-accepted:
		_ = c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("slot was not released on close")
	}
}

func TestCapConnHalfClose(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := newCapListener(inner, make(chan struct{}, 1))
	t.Cleanup(func() { _ = ln.Close() })

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = client.Close() }()
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if _, ok := conn.(closeWriter); !ok {
		t.Fatal("accepted conn must expose CloseWrite")
	}
	closeWrite(conn)

	// The peer sees EOF from the half-close...
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("peer read = %v, want EOF", err)
	}

	// ...while the read half stays open.
	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil || buf[0] != 'x' {
		t.Fatalf("read after half-close: %v %q", err, buf)
	}
}
