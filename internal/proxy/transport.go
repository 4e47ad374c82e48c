package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/bardlex/lightmine/pkg/errors"
)

// NewTransport builds an HTTP transport that routes every connection through d.
func NewTransport(d Descriptor) (*http.Transport, error) {
	switch d.Protocol {
	case ProtocolHTTP:
		return &http.Transport{
			Proxy:               http.ProxyURL(d.URL()),
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   true,
		}, nil

	case ProtocolSOCKS5:
		var auth *xproxy.Auth
		if d.HasAuth() {
			auth = &xproxy.Auth{User: d.Username, Password: d.Password}
		}

		dialer, err := xproxy.SOCKS5("tcp", d.Addr(), auth, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "socks5_dialer",
				"failed to create SOCKS5 dialer").WithContext("proxy", d.String())
		}

		return &http.Transport{
			DialContext:         dialContext(dialer),
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   true,
		}, nil

	default:
		return nil, errors.New(errors.ErrorTypeConfiguration, "build_transport",
			"unsupported proxy protocol").WithContext("protocol", string(d.Protocol))
	}
}

// NewHTTPClient returns a client bound to one proxy. A zero timeout leaves
// the transport defaults in place.
func NewHTTPClient(d Descriptor, timeout time.Duration) (*http.Client, error) {
	transport, err := NewTransport(d)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func dialContext(dialer xproxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := dialer.(xproxy.ContextDialer); ok {
		return cd.DialContext
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		done := make(chan result, 1)
		go func() {
			conn, err := dialer.Dial(network, addr)
			done <- result{conn, err}
		}()

		select {
		case r := <-done:
			return r.conn, r.err
		case <-ctx.Done():
			go func() {
				if r := <-done; r.conn != nil {
					r.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}
