package tcp

import "net"

// Conn is one end of an in-memory TCP connection.
type Conn struct {
	net.Conn
	local  *net.TCPAddr
	remote *net.TCPAddr
}

var _ net.Conn = (*Conn)(nil)

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }
