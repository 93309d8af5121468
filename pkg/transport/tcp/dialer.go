package tcp

import (
	"context"
	"fmt"
	"net"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
)

// Dial connects to addr and returns a Connected connection. Set callbacks
// on it and then call Start.
func Dial(ctx context.Context, addr string, opts Options, deps *config.Dependencies) (*Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	dial := config.GetTCPDialerFunc(deps)
	nc, err := dial(ctx, "tcp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial(tcp, %s): %w", raddr, err)
	}

	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}
	if opts.Clock == nil {
		opts.Clock = config.GetClock(deps)
	}

	c := NewConnection(nc, opts)
	c.UpdateState(conn.Connected)
	return c, nil
}
