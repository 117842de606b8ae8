package netguard

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// hopByHopHeaders are removed before forwarding. Proxy-Connection and
// Proxy-Authorization are proxy-only and must never reach the origin.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func stripProxyHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// handleHTTP handles plain HTTP proxy requests (non-CONNECT).
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Metrics != nil {
		s.Metrics.RecordRequest("http")
	}
	s.Logger.Debug("http request", "method", r.Method, "url", r.URL.String())

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		http.Error(w, "missing target host", http.StatusBadRequest)
		return
	}
	domain := Normalize(host)

	if blocked, reason := s.matchDomain(domain); blocked {
		s.serveBlockedHTTP(w, r, domain, reason)
		return
	}

	s.forwardHTTP(w, r, domain)
}

// serveBlockedHTTP answers a blocked plaintext request. The response is
// deliberately 200 with a substitute body so interception reads as a
// page, not a broken connection.
func (s *Server) serveBlockedHTTP(w http.ResponseWriter, r *http.Request, domain, reason string) {
	s.Logger.Info("blocked", "domain", domain, "url", r.URL.String(), "reason", reason)
	if s.Metrics != nil {
		s.Metrics.RecordBlocked(reason)
	}

	s.events.Emit(InterceptionEvent{
		Domain:    domain,
		URL:       r.URL.String(),
		Timestamp: time.Now(),
		ClientIP:  clientIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
		Protocol:  "http",
	})
	s.stats.RecordBlocked()

	body, contentType, err := s.BlockPage.renderBlockBody(r.Header.Get("Accept"), domain, r.URL.String(), reason)
	if err != nil {
		s.Logger.Error("render block response", "domain", domain, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	encoded, encoding, err := encodeBody(body, negotiateEncoding(r.Header.Get("Accept-Encoding")))
	if err == nil && encoding != "" {
		body = encoded
		w.Header().Set("Content-Encoding", encoding)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)

	if s.AccessLog != nil {
		s.AccessLog.Log(AccessLogEntry{
			Timestamp:   time.Now(),
			Method:      r.Method,
			Domain:      domain,
			Path:        r.URL.Path,
			Protocol:    "http",
			Blocked:     true,
			BlockReason: reason,
			ClientAddr:  r.RemoteAddr,
			UserAgent:   r.UserAgent(),
		})
	}
}

// forwardHTTP relays the request upstream and streams the response back
// verbatim. Upstream timeouts map to 504, other upstream failures to
// 502. Once the response has started it is never overwritten.
func (s *Server) forwardHTTP(w http.ResponseWriter, r *http.Request, domain string) {
	start := time.Now()

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = r.Host
	}
	stripProxyHeaders(outReq.Header)

	resp, err := s.transport.RoundTrip(outReq)
	if err != nil {
		code, kind := http.StatusBadGateway, "connect"
		if isTimeoutErr(err) {
			code, kind = http.StatusGatewayTimeout, "timeout"
		}
		s.Logger.Error("forward request", "phase", "upstream", "domain", domain, "error", err)
		if s.Metrics != nil {
			s.Metrics.RecordUpstreamError(kind)
		}
		http.Error(w, http.StatusText(code), code)
		if s.AccessLog != nil {
			s.AccessLog.Log(AccessLogEntry{
				Timestamp:  time.Now(),
				Method:     r.Method,
				Domain:     domain,
				Path:       r.URL.Path,
				Protocol:   "http",
				StatusCode: code,
				Duration:   time.Since(start),
				ClientAddr: r.RemoteAddr,
				UserAgent:  r.UserAgent(),
				Error:      err.Error(),
			})
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, copyErr := io.Copy(w, resp.Body)

	s.stats.RecordAllowed()
	if s.Metrics != nil {
		s.Metrics.RecordRequestDuration("http", resp.StatusCode, time.Since(start))
	}
	if s.AccessLog != nil {
		e := AccessLogEntry{
			Timestamp:    time.Now(),
			Method:       r.Method,
			Domain:       domain,
			Path:         r.URL.Path,
			Protocol:     "http",
			StatusCode:   resp.StatusCode,
			Duration:     time.Since(start),
			BytesWritten: written,
			ClientAddr:   r.RemoteAddr,
			UserAgent:    r.UserAgent(),
		}
		if copyErr != nil {
			e.Error = copyErr.Error()
		}
		s.AccessLog.Log(e)
	}
}

// isTimeoutErr reports whether an upstream error is a timeout rather
// than a connection failure.
func isTimeoutErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
