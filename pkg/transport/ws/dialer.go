package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
)

// Dial opens a WebSocket to rawURL ("ws://host:port/path") and returns
// it Connected. The TCP connection goes through deps' dialer. Set
// callbacks on it and then call Start.
func Dial(ctx context.Context, rawURL string, opts Options, deps *config.Dependencies) (*Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("url.Parse(%s): %w", rawURL, err)
	}
	if u.Scheme != "ws" {
		return nil, fmt.Errorf("url %s: unsupported scheme %q", rawURL, u.Scheme)
	}

	// remember the addresses of the socket the HTTP client dials
	var laddr, raddr net.Addr
	dial := config.GetTCPDialerFunc(deps)
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			tcpAddr, err := net.ResolveTCPAddr(network, addr)
			if err != nil {
				return nil, fmt.Errorf("net.ResolveTCPAddr(%s, %s): %w", network, addr, err)
			}
			nc, err := dial(ctx, network, nil, tcpAddr)
			if err != nil {
				return nil, err
			}
			laddr, raddr = nc.LocalAddr(), nc.RemoteAddr()
			return nc, nil
		},
	}

	ws, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{
		HTTPClient:   &http.Client{Transport: transport},
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket.Dial(%s): %w", rawURL, err)
	}

	c := NewConnection(ws, laddr, raddr, opts)
	c.UpdateState(conn.Connected)
	return c, nil
}
