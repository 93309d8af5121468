package shared

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/lk2023060901/zeus-sub000/pkg/format"
)

// Transport is one parsed "protocol://host:port" argument.
type Transport struct {
	Proto string // tcp, kcp or ws
	Host  string
	Port  int
}

// Addr returns host:port.
func (t Transport) Addr() string {
	return format.Addr(t.Host, t.Port)
}

func (t Transport) String() string {
	return t.Proto + "://" + t.Addr()
}

var transportRe = regexp.MustCompile(`^(tcp|kcp|ws)://([^:]*):(\d+)$`)

// ParseTransport parses a transport string in the format "protocol://host:port"
// where protocol is one of tcp, kcp or ws. The host can be empty or "*" to
// bind to all interfaces. Port 0 picks an ephemeral port.
func ParseTransport(s string) (Transport, error) {
	matches := transportRe.FindStringSubmatch(s)
	if len(matches) != 4 {
		return Transport{}, parsingError(s)
	}

	host := matches[2]
	if host == "*" { // also counts as all interfaces
		host = ""
	}

	port, err := strconv.Atoi(matches[3])
	if err != nil || port < 0 || port > 65535 {
		return Transport{}, parsingError(s)
	}

	return Transport{Proto: matches[1], Host: host, Port: port}, nil
}

// ParseTransports parses every argument and rejects a protocol given
// twice.
func ParseTransports(args []string) ([]Transport, error) {
	seen := make(map[string]bool)
	out := make([]Transport, 0, len(args))
	for _, arg := range args {
		t, err := ParseTransport(arg)
		if err != nil {
			return nil, err
		}
		if seen[t.Proto] {
			return nil, fmt.Errorf("parsing %s: %s given more than once", arg, t.Proto)
		}
		seen[t.Proto] = true
		out = append(out, t)
	}
	return out, nil
}

func parsingError(s string) error {
	return fmt.Errorf("parsing %s: format should be 'protocol://host:port', where protocol = tcp|kcp|ws", s)
}
