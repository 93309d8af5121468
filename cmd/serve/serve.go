// Package serve implements the serve command: run acceptors for the
// given transports until interrupted.
package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/lk2023060901/zeus-sub000/cmd/shared"
	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
)

// GetCommand returns the serve command.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "serve",
		Usage:       "Accept connections on TCP, KCP and WebSocket transports",
		Description: shared.GetBaseDescription(),
		ArgsUsage:   shared.GetArgsUsage(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}

			logger := log.NewLogger(cfg.Verbose)
			if errs := config.Validate(cfg); len(errs) > 0 {
				logger.ErrorMsg("Argument validation errors:")
				for _, err := range errs {
					logger.ErrorMsg(" - %s", err)
				}
				return fmt.Errorf("exiting")
			}

			s, err := NewServer(cfg, Options{
				Echo:        cmd.Bool(shared.EchoFlag),
				MetricsAddr: cmd.String(shared.MetricsFlag),
				Logger:      logger,
			})
			if err != nil {
				return fmt.Errorf("NewServer(): %w", err)
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			release := shared.SetupSignalHandling(cancel, shared.ShutdownGrace, logger)
			defer release()

			return s.Run(ctx)
		},
		Flags: getFlags(),
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{}

	flags = append(flags, shared.GetCommonFlags()...)
	flags = append(flags, shared.GetServeFlags()...)

	return flags
}

// buildConfig loads the configuration file, if any, and applies the
// transport arguments and flag overrides on top.
func buildConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := cmd.String(shared.ConfigFlag); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	transports, err := shared.ParseTransports(cmd.Args().Slice())
	if err != nil {
		return nil, err
	}
	for _, t := range transports {
		switch t.Proto {
		case "tcp":
			cfg.TCP.Addr = t.Addr()
		case "kcp":
			cfg.KCP.Addr = t.Addr()
		case "ws":
			cfg.WS.Addr = t.Addr()
		}
	}

	if cmd.Bool(shared.VerboseFlag) {
		cfg.Verbose = true
	}
	if n := int(cmd.Int(shared.MaxConnectionsFlag)); n > 0 {
		cfg.TCP.MaxConnections = n
		cfg.KCP.MaxConnections = n
		cfg.WS.MaxConnections = n
	}
	if d := cmd.Duration(shared.HeartbeatFlag); d > 0 {
		applyHeartbeat(cfg, d)
	}
	return cfg, nil
}

func applyHeartbeat(cfg *config.Config, d time.Duration) {
	hb := config.Heartbeat{Enabled: true, Interval: config.Duration{Duration: d}}
	cfg.TCP.Heartbeat = hb
	cfg.KCP.Heartbeat = hb
	cfg.WS.Heartbeat = hb
}
