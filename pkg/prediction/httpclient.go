package prediction

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// newHTTPClient builds an HTTP client tuned for outbound calls to the
// prediction backends. The overall deadline is enforced per call via context,
// not here, so one client can serve sources with different budgets.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}

// isDeadlineError reports whether the call failed on its time budget rather
// than on the wire or payload.
func isDeadlineError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
