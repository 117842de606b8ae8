package netguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

// Status is the lifecycle state of a Server.
type Status int32

// Server lifecycle states.
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// stopGracePeriod bounds how long Stop waits for in-flight connections
// before forcing them closed.
const stopGracePeriod = 5 * time.Second

// Server is the intercepting proxy orchestrator. It owns the listening
// sockets, the blocked-domain snapshot, statistics, and the wiring
// between interceptors, certificate issuance, and block responses.
//
// Start, Stop, and Restart are idempotent and safe for concurrent use.
type Server struct {
	// Logger for proxy events. Defaults to slog.Default().
	Logger *slog.Logger

	// Issuer produces leaf certificates for HTTPS interception. When
	// nil and HTTPS is enabled, Start builds a CertManager from the
	// configured CA paths.
	Issuer Issuer

	// BlockPage renders block responses (optional, default template
	// when nil).
	BlockPage *BlockPage

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// AccessLog writes structured access log entries (optional).
	AccessLog *AccessLogger

	cfg Config

	mu     sync.Mutex
	status atomicStatus

	blockSet atomicBlockSet
	events   eventSink
	stats    Stats

	transport *http.Transport
	connSem   chan struct{}

	httpLn, httpsLn, adminLn    net.Listener
	httpSrv, httpsSrv, adminSrv *http.Server

	tunnels tunnelRegistry
}

// NewServer creates a Server from cfg. The configuration is validated
// when Start is called.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		Logger: slog.Default(),
	}
	s.blockSet.Store(NewBlockSet(cfg.Blocklist.Domains))
	return s
}

// Start validates the configuration, binds the listening sockets, and
// begins serving. Starting an already-running server is a no-op success.
// A failure to bind any socket rolls back the ones that succeeded and
// leaves the server in the error state.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Load() == StatusRunning {
		return nil
	}
	s.status.Store(StatusStarting)

	if err := s.cfg.Validate(); err != nil {
		s.status.Store(StatusError)
		return err
	}

	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.events.logger = s.Logger
	if s.BlockPage == nil {
		s.BlockPage = NewBlockPage()
	}

	if s.cfg.Server.EnableHTTPS && s.Issuer == nil {
		issuer, err := s.buildIssuer()
		if err != nil {
			s.status.Store(StatusError)
			return err
		}
		s.Issuer = issuer
	}

	s.transport = s.buildTransport()

	s.connSem = nil
	if n := s.cfg.Server.MaxConnections; n > 0 {
		s.connSem = make(chan struct{}, n)
	}

	httpLn, err := s.listen(s.cfg.Server.HTTPPort)
	if err != nil {
		s.status.Store(StatusError)
		return fmt.Errorf("bind http listener: %w", err)
	}

	var httpsLn net.Listener
	if s.cfg.Server.EnableHTTPS {
		httpsLn, err = s.listen(s.cfg.Server.HTTPSPort)
		if err != nil {
			_ = httpLn.Close()
			s.status.Store(StatusError)
			return fmt.Errorf("bind https listener: %w", err)
		}
	}

	var adminLn net.Listener
	if s.cfg.Admin.Enabled {
		adminLn, err = net.Listen("tcp", s.cfg.Admin.Addr)
		if err != nil {
			_ = httpLn.Close()
			if httpsLn != nil {
				_ = httpsLn.Close()
			}
			s.status.Store(StatusError)
			return fmt.Errorf("bind admin listener: %w", err)
		}
		// Admin connections are never hijacked, so netutil's limiter
		// fits here; the cap is separate from the proxied one.
		if n := s.cfg.Server.MaxConnections; n > 0 {
			adminLn = netutil.LimitListener(adminLn, n)
		}
	}

	s.httpLn, s.httpsLn, s.adminLn = httpLn, httpsLn, adminLn

	s.httpSrv = &http.Server{Handler: s}
	go s.serve(s.httpSrv, httpLn, "http")

	if httpsLn != nil {
		s.httpsSrv = &http.Server{Handler: s}
		go s.serve(s.httpsSrv, httpsLn, "https")
	}

	if adminLn != nil {
		s.adminSrv = &http.Server{Handler: NewAdminAPI(s).Router()}
		go s.serve(s.adminSrv, adminLn, "admin")
	}

	s.stats.Reset()
	if s.Metrics != nil {
		s.Metrics.SetBlockedDomains(s.blockSet.Load().Len())
	}
	s.status.Store(StatusRunning)
	s.Logger.Info("proxy started",
		"bind", s.cfg.Server.BindAddress,
		"http_port", s.cfg.Server.HTTPPort,
		"https_port", s.cfg.Server.HTTPSPort,
		"https", s.cfg.Server.EnableHTTPS,
	)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.Logger.Error("listener exited", "listener", name, "error", err)
	}
}

// Stop closes the listening sockets, waits out the grace period for
// in-flight requests, and force-closes whatever outlives it, hijacked
// tunnels included. Stopping an already-stopped server is a no-op
// success.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Load() == StatusStopped {
		return nil
	}
	s.status.Store(StatusStopping)

	for _, ln := range []net.Listener{s.httpLn, s.httpsLn, s.adminLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
	defer cancel()
	for _, srv := range []*http.Server{s.httpSrv, s.httpsSrv, s.adminSrv} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				// Grace period expired with handlers still running;
				// tear down their connections.
				_ = srv.Close()
			}
		}
	}
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}

	// Hijacked tunnel connections are not tracked by the http servers.
	s.tunnels.CloseAll()
	s.tunnels.Wait()

	s.httpLn, s.httpsLn, s.adminLn = nil, nil, nil
	s.httpSrv, s.httpsSrv, s.adminSrv = nil, nil, nil

	s.status.Store(StatusStopped)
	s.Logger.Info("proxy stopped")
	return nil
}

// Restart stops the server if running and starts it again.
func (s *Server) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// GetStatus returns the current lifecycle state.
func (s *Server) GetStatus() Status {
	return s.status.Load()
}

// GetStats returns a snapshot of the request counters.
func (s *Server) GetStats() StatsSnapshot {
	return s.stats.Snapshot()
}

// GetConfig returns a copy of the server configuration.
func (s *Server) GetConfig() Config {
	return s.cfg
}

// ProxyAddr returns the host:port clients should point at for plain
// HTTP proxying. Used for PAC generation.
func (s *Server) ProxyAddr() string {
	return net.JoinHostPort(s.cfg.Server.BindAddress, strconv.Itoa(s.cfg.Server.HTTPPort))
}

// UpdateBlockedDomains replaces the blocked-domain set wholesale.
// In-flight requests keep the snapshot they started with; no reader ever
// observes a partially updated set.
func (s *Server) UpdateBlockedDomains(domains []string) {
	bs := NewBlockSet(domains)
	s.blockSet.Store(bs)
	if s.Metrics != nil {
		s.Metrics.SetBlockedDomains(bs.Len())
	}
	s.Logger.Info("block list updated", "patterns", bs.Len())
}

// BlockedDomains returns the patterns in the active set, sorted.
func (s *Server) BlockedDomains() []string {
	return s.blockSet.Load().Domains()
}

// SetInterceptionCallback registers the sink invoked synchronously for
// every blocked request. A panicking callback never aborts the request.
func (s *Server) SetInterceptionCallback(fn InterceptionCallback) {
	s.events.Set(fn)
}

// ServeHTTP dispatches proxy requests by method: CONNECT goes to the
// HTTPS interceptor, everything else to the plaintext interceptor.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r)
}

func (s *Server) listen(port int) (net.Listener, error) {
	addr := net.JoinHostPort(s.cfg.Server.BindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.connSem != nil {
		ln = newCapListener(ln, s.connSem)
	}
	return ln, nil
}

func (s *Server) buildIssuer() (Issuer, error) {
	certPath, keyPath := s.cfg.CACertPath(), s.cfg.CAKeyPath()

	if err := EnsureCA(certPath, keyPath, s.cfg.TLS.Organization); err != nil {
		return nil, fmt.Errorf("ensure root CA: %w", err)
	}
	cm, err := NewCertManager(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load root CA: %w", err)
	}
	cm.Organization = s.cfg.TLS.Organization
	if s.cfg.TLS.LeafValidity > 0 {
		cm.LeafValidity = s.cfg.TLS.LeafValidity
	}
	if s.cfg.Cache.Enabled {
		if err := cm.EnableCache(s.cfg.Cache.Size); err != nil {
			return nil, err
		}
	}
	if s.Metrics != nil {
		s.Metrics.ObserveCertCache(cm)
	}
	return cm, nil
}

func (s *Server) buildTransport() *http.Transport {
	timeout := s.connectionTimeout()
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}

func (s *Server) connectionTimeout() time.Duration {
	if t := s.cfg.Server.ConnectionTimeout; t > 0 {
		return t
	}
	return 30 * time.Second
}

func (s *Server) matchDomain(domain string) (bool, string) {
	return s.blockSet.Load().Match(domain)
}

// hostOnly strips an optional port from a host:port string.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// clientIP extracts the address portion of a RemoteAddr.
func clientIP(remoteAddr string) string {
	return hostOnly(remoteAddr)
}

// atomicStatus and atomicBlockSet wrap the raw atomics with typed
// accessors.

type atomicStatus struct {
	v atomic.Int32
}

func (a *atomicStatus) Load() Status   { return Status(a.v.Load()) }
func (a *atomicStatus) Store(s Status) { a.v.Store(int32(s)) }

type atomicBlockSet struct {
	v atomic.Pointer[BlockSet]
}

func (a *atomicBlockSet) Load() *BlockSet {
	if bs := a.v.Load(); bs != nil {
		return bs
	}
	return emptyBlockSet
}

func (a *atomicBlockSet) Store(bs *BlockSet) { a.v.Store(bs) }

var emptyBlockSet = NewBlockSet(nil)

// capListener enforces the cap on concurrent proxied client
// connections. The plain and CONNECT listeners draw from one shared
// semaphore, so max_connections bounds the proxy as a whole rather
// than each socket. netutil.LimitListener is not used here because its
// wrapper hides CloseWrite, which the tunnels need for half-close.
type capListener struct {
	net.Listener
	sem  chan struct{}
	done chan struct{}
	once sync.Once
}

func newCapListener(ln net.Listener, sem chan struct{}) *capListener {
	return &capListener{Listener: ln, sem: sem, done: make(chan struct{})}
}

func (l *capListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, net.ErrClosed
	case l.sem <- struct{}{}:
	}
	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &capConn{Conn: conn, sem: l.sem}, nil
}

func (l *capListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.Listener.Close()
}

// capConn releases its semaphore slot exactly once on Close and keeps
// CloseWrite reachable through the wrapper.
type capConn struct {
	net.Conn
	sem  chan struct{}
	once sync.Once
}

func (c *capConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { <-c.sem })
	return err
}

func (c *capConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// tunnelRegistry tracks hijacked connections so Stop can force-close
// whatever outlives the grace period.
type tunnelRegistry struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func (t *tunnelRegistry) Add(c net.Conn) {
	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[net.Conn]struct{})
	}
	t.conns[c] = struct{}{}
	t.mu.Unlock()
	t.wg.Add(1)
}

func (t *tunnelRegistry) Remove(c net.Conn) {
	t.mu.Lock()
	if _, ok := t.conns[c]; ok {
		delete(t.conns, c)
		t.wg.Done()
	}
	t.mu.Unlock()
}

func (t *tunnelRegistry) CloseAll() {
	t.mu.Lock()
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()
}

func (t *tunnelRegistry) Wait() {
	t.wg.Wait()
}
