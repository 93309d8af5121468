package format

import (
	"net"
	"testing"
)

func TestAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		host string
		port int
		want string
	}{
		{"IPv4 address", "192.168.1.1", 8080, "192.168.1.1:8080"},
		{"hostname", "example.com", 443, "example.com:443"},
		{"IPv6 address", "::1", 8080, "[::1]:8080"},
		{"empty host", "", 9000, ":9000"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Addr(tc.host, tc.port); got != tc.want {
				t.Errorf("Addr(%q, %d) = %q, want %q", tc.host, tc.port, got, tc.want)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	var nilUDP *net.UDPAddr

	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"nil", nil, ""},
		{"typed nil", nilUDP, ""},
		{"udp", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}, "10.0.0.1:1000"},
		{"tcp v6", &net.TCPAddr{IP: net.ParseIP("::1"), Port: 80}, "[::1]:80"},
		{"unix", &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, "/tmp/sock"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Endpoint(tc.addr); got != tc.want {
				t.Errorf("Endpoint(%v) = %q, want %q", tc.addr, got, tc.want)
			}
		})
	}
}
