package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/lk2023060901/zeus-sub000/cmd/serve"
	"github.com/lk2023060901/zeus-sub000/cmd/version"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[!] Error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "zeusnet",
		Usage: "TCP, KCP and WebSocket connection server",
		Commands: []*cli.Command{
			serve.GetCommand(),
			version.GetCommand(),
		},
	}
}
