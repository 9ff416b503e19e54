package transcriber

import (
	"crypto/tls"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"
)

type NetworkMetrics struct {
	DNS        time.Duration
	TCP        time.Duration
	TLS        time.Duration
	TTFB       time.Duration
	Total      time.Duration
	ConnReused bool
}

// tracedTransport records connection timings of the most recent request.
type tracedTransport struct {
	base    http.RoundTripper
	metrics atomic.Pointer[NetworkMetrics]
}

func newTracedTransport(base http.RoundTripper) *tracedTransport {
	return &tracedTransport{base: base}
}

func (t *tracedTransport) last() *NetworkMetrics { return t.metrics.Load() }

func (t *tracedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m := &NetworkMetrics{}
	var dnsStart, tcpStart, tlsStart, wroteRequest time.Time

	trace := &httptrace.ClientTrace{
		GotConn:           func(info httptrace.GotConnInfo) { m.ConnReused = info.Reused },
		DNSStart:          func(httptrace.DNSStartInfo) { dnsStart = time.Now() },
		DNSDone:           func(httptrace.DNSDoneInfo) { m.DNS = time.Since(dnsStart) },
		ConnectStart:      func(_, _ string) { tcpStart = time.Now() },
		ConnectDone:       func(_, _ string, _ error) { m.TCP = time.Since(tcpStart) },
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { m.TLS = time.Since(tlsStart) },
		WroteRequest:      func(httptrace.WroteRequestInfo) { wroteRequest = time.Now() },
		GotFirstResponseByte: func() {
			if !wroteRequest.IsZero() {
				m.TTFB = time.Since(wroteRequest)
			}
		},
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req.WithContext(httptrace.WithClientTrace(req.Context(), trace)))
	m.Total = time.Since(start)
	t.metrics.Store(m)
	return resp, err
}
