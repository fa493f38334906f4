package netconf

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// connectDialer tunnels TCP connections through an HTTP proxy using the
// CONNECT method. It satisfies the Dialer interface sarama expects for
// Net.Proxy. Hand-rolled because golang.org/x/net/proxy only dials SOCKS.
type connectDialer struct {
	proxy   *Proxy
	timeout time.Duration
}

// Dialer returns a CONNECT dialer for the proxy.
func (p *Proxy) Dialer() *connectDialer {
	return &connectDialer{proxy: p, timeout: 30 * time.Second}
}

func (d *connectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout(network, d.proxy.Address(), d.timeout)
	if err != nil {
		return nil, fmt.Errorf("netconf: dial proxy %s: %w", d.proxy.Address(), err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(d.proxy.Username + ":" + d.proxy.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	deadline := time.Now().Add(d.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netconf: write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("netconf: read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("netconf: proxy refused CONNECT to %s: %s", addr, resp.Status)
	}

	// Clear the handshake deadline; connection lifetime is managed by the
	// caller from here on.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	if br.Buffered() > 0 {
		// The response reader may have pulled tunnel bytes past the
		// headers; hand them to the caller instead of losing them.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
