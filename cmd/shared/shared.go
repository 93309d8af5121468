// Package shared provides common CLI flag definitions and utility functions
// used across the zeusnet command-line interface.
package shared

import (
	"strings"

	"github.com/urfave/cli/v3"
)

const categoryCommon = "common"

// VerboseFlag is the name of the flag to enable verbose logging.
const VerboseFlag = "verbose"

// ConfigFlag is the name of the flag to specify a TOML configuration file.
const ConfigFlag = "config"

// GetBaseDescription returns the base description text for transport
// specifications used in CLI commands.
func GetBaseDescription() string {
	return strings.Join([]string{
		"Specify transports like this: tcp://127.0.0.1:9000 (supports tcp|kcp|ws)",
		"You can omit the host to bind to all interfaces. Each protocol may be given once.",
		"Transports given here override the addresses of the configuration file.",
	}, "\n")
}

// GetArgsUsage returns the arguments usage string for CLI commands.
func GetArgsUsage() string {
	return "[transport...]"
}

// GetCommonFlags returns the flags every command that loads the
// configuration accepts.
func GetCommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     ConfigFlag,
			Aliases:  []string{"c"},
			Usage:    "TOML configuration file",
			Category: categoryCommon,
			Value:    "",
			Required: false,
		},
		&cli.BoolFlag{
			Name:     VerboseFlag,
			Aliases:  []string{"v"},
			Usage:    "Verbose logging, including every data event",
			Category: categoryCommon,
			Value:    false,
			Required: false,
		},
	}
}

const categoryServe = "serve"

// MaxConnectionsFlag is the name of the flag overriding every acceptor's
// connection limit.
const MaxConnectionsFlag = "max-connections"

// EchoFlag is the name of the flag to echo received data back to the peer.
const EchoFlag = "echo"

// MetricsFlag is the name of the flag to serve Prometheus metrics.
const MetricsFlag = "metrics"

// HeartbeatFlag is the name of the flag enabling heartbeats on every
// transport.
const HeartbeatFlag = "heartbeat"

// GetServeFlags returns the CLI flags specific to serve mode.
func GetServeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:     MaxConnectionsFlag,
			Aliases:  []string{"m"},
			Usage:    "Connection limit per acceptor, 0 keeps the configured value",
			Category: categoryServe,
			Value:    0,
			Required: false,
		},
		&cli.BoolFlag{
			Name:     EchoFlag,
			Aliases:  []string{"e"},
			Usage:    "Echo every message back to its sender",
			Category: categoryServe,
			Value:    false,
			Required: false,
		},
		&cli.StringFlag{
			Name:     MetricsFlag,
			Usage:    "Serve Prometheus metrics on host:port, leave empty to disable",
			Category: categoryServe,
			Value:    "",
			Required: false,
		},
		&cli.DurationFlag{
			Name:     HeartbeatFlag,
			Usage:    "Heartbeat interval for every transport, 0 keeps the configured value",
			Category: categoryServe,
			Value:    0,
			Required: false,
		},
	}
}
