package netguard

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// tlsHandshakeTimeout bounds the client-side handshake on the blocked
// path; a client that never speaks TLS must not pin a goroutine.
const tlsHandshakeTimeout = 10 * time.Second

// blockSessionIdleTimeout bounds reads on a terminated block session.
const blockSessionIdleTimeout = 30 * time.Second

// handleConnect handles CONNECT requests. The target host decides the
// strategy before any byte of tunneled traffic is touched: blocked hosts
// are terminated locally and served the block page over TLS, allowed
// hosts get a transparent byte tunnel.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.Metrics != nil {
		s.Metrics.RecordRequest("https")
	}
	if !s.cfg.Server.EnableHTTPS {
		http.Error(w, "CONNECT not supported", http.StatusNotImplemented)
		return
	}

	host := hostOnly(r.Host)
	if host == "" {
		http.Error(w, "missing target host", http.StatusBadRequest)
		return
	}
	domain := Normalize(host)
	s.Logger.Debug("connect", "domain", domain)

	if blocked, reason := s.matchDomain(domain); blocked {
		s.serveBlockedConnect(w, r, domain, reason)
		return
	}
	s.tunnelConnect(w, r, domain)
}

// tunnelConnect relays raw bytes between the client and the real
// upstream without touching TLS content. The upstream connection is
// established before the CONNECT is acknowledged so dial failures can
// still be reported as proper HTTP errors.
func (s *Server) tunnelConnect(w http.ResponseWriter, r *http.Request, domain string) {
	start := time.Now()

	target := r.Host
	if !strings.Contains(target, ":") {
		target = net.JoinHostPort(target, "443")
	}

	upstream, err := net.DialTimeout("tcp", target, s.connectionTimeout())
	if err != nil {
		code, kind := http.StatusBadGateway, "connect"
		if isTimeoutErr(err) {
			code, kind = http.StatusGatewayTimeout, "timeout"
		}
		s.Logger.Error("connect upstream", "phase", "dial", "domain", domain, "error", err)
		if s.Metrics != nil {
			s.Metrics.RecordUpstreamError(kind)
		}
		http.Error(w, http.StatusText(code), code)
		return
	}

	clientConn, err := hijack(w)
	if err != nil {
		_ = upstream.Close()
		s.Logger.Error("hijack failed", "domain", domain, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		_ = upstream.Close()
		return
	}

	s.stats.RecordAllowed()
	if s.Metrics != nil {
		s.Metrics.IncActiveTunnels()
		defer s.Metrics.DecActiveTunnels()
	}

	s.tunnels.Add(clientConn)
	s.tunnels.Add(upstream)
	defer func() {
		s.tunnels.Remove(clientConn)
		s.tunnels.Remove(upstream)
		_ = clientConn.Close()
		_ = upstream.Close()
	}()

	relay(clientConn, upstream)

	if s.AccessLog != nil {
		s.AccessLog.Log(AccessLogEntry{
			Timestamp:  time.Now(),
			Method:     http.MethodConnect,
			Domain:     domain,
			Protocol:   "tunnel",
			Duration:   time.Since(start),
			ClientAddr: r.RemoteAddr,
		})
	}
}

// relay copies bytes in both directions until both sides finish. When
// one direction ends, the opposite write half is closed so the peer
// sees EOF.
func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		closeWrite(dst)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	<-done
}

// closeWriter is the half-close surface of *net.TCPConn, *tls.Conn,
// and the conn wrappers in this package.
type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

func hijack(w http.ResponseWriter) (net.Conn, error) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, errors.New("hijacking not supported")
	}
	conn, _, err := hijacker.Hijack()
	return conn, err
}

// serveBlockedConnect acknowledges the CONNECT, terminates TLS with a
// leaf certificate for the requested host, and serves block responses
// over the resulting session. Issuance failure surfaces as a handshake
// failure and closes just this connection.
func (s *Server) serveBlockedConnect(w http.ResponseWriter, r *http.Request, domain, reason string) {
	if s.Issuer == nil {
		http.Error(w, "interception unavailable", http.StatusNotImplemented)
		return
	}

	clientConn, err := hijack(w)
	if err != nil {
		s.Logger.Error("hijack failed", "domain", domain, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = clientConn.Close()
		return
	}

	s.tunnels.Add(clientConn)
	defer func() {
		s.tunnels.Remove(clientConn)
		_ = clientConn.Close()
	}()

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := hello.ServerName
			if h == "" {
				h = domain
			}
			cert, err := s.Issuer.IssueLeaf(h)
			if err != nil {
				s.Logger.Error("leaf issuance failed", "phase", "issue", "domain", h, "error", err)
				if s.Metrics != nil {
					s.Metrics.RecordIssuanceError()
				}
				return nil, err
			}
			return cert, nil
		},
	}

	tlsConn := tls.Server(clientConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(tlsHandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.Logger.Error("client TLS handshake", "domain", domain, "error", err)
		if s.Metrics != nil {
			s.Metrics.RecordTLSHandshakeError()
		}
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	s.serveBlockSession(tlsConn, r.RemoteAddr, domain, reason)
}

// serveBlockSession answers every request on a terminated TLS session
// with the block response, as if it were the origin.
func (s *Server) serveBlockSession(conn *tls.Conn, remoteAddr, domain, reason string) {
	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(blockSessionIdleTimeout))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				s.Logger.Debug("read blocked session request", "domain", domain, "error", err)
			}
			return
		}

		url := "https://" + domain + req.URL.RequestURI()
		s.Logger.Info("blocked", "domain", domain, "url", url, "reason", reason)
		if s.Metrics != nil {
			s.Metrics.RecordBlocked(reason)
		}
		s.events.Emit(InterceptionEvent{
			Domain:    domain,
			URL:       url,
			Timestamp: time.Now(),
			ClientIP:  clientIP(remoteAddr),
			UserAgent: req.UserAgent(),
			Protocol:  "https",
		})
		s.stats.RecordBlocked()

		// The request body is irrelevant but must be drained before
		// the next request can be read.
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()

		if err := s.writeBlockResponse(conn, req, domain, url, reason); err != nil {
			return
		}

		if s.AccessLog != nil {
			s.AccessLog.Log(AccessLogEntry{
				Timestamp:   time.Now(),
				Method:      req.Method,
				Domain:      domain,
				Path:        req.URL.Path,
				Protocol:    "https",
				Blocked:     true,
				BlockReason: reason,
				ClientAddr:  remoteAddr,
				UserAgent:   req.UserAgent(),
			})
		}

		if req.Close {
			return
		}
	}
}

func (s *Server) writeBlockResponse(conn io.Writer, req *http.Request, domain, url, reason string) error {
	body, contentType, err := s.BlockPage.renderBlockBody(req.Header.Get("Accept"), domain, url, reason)
	if err != nil {
		return err
	}

	header := http.Header{}
	if encoded, encoding, encErr := encodeBody(body, negotiateEncoding(req.Header.Get("Accept-Encoding"))); encErr == nil && encoding != "" {
		body = encoded
		header.Set("Content-Encoding", encoding)
	}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	return resp.Write(conn)
}
