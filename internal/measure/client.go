package measure

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns the transfer client. Compression is disabled so the
// byte count on the wire matches the byte count read. socketBuffer > 0 sets
// SO_RCVBUF and SO_SNDBUF on every dialed connection where supported.
func NewHTTPClient(streams int, socketBuffer int64) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if socketBuffer > 0 {
		dialer.Control = socketBufferControl(int(socketBuffer))
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          streams * 2,
		MaxIdleConnsPerHost:   streams * 2,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &http.Client{Transport: transport}
}
