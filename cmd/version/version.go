// Package version implements the version command.
package version

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/urfave/cli/v3"
)

// Version is set at build time with -ldflags "-X ...version.Version=v1.2.3".
var Version = "unknown"

// GetCommand returns the version command.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Program version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return printVersion(writer(cmd))
		},
		Flags: []cli.Flag{},
	}
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "zeusnet %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}

func writer(cmd *cli.Command) io.Writer {
	if cmd != nil && cmd.Root() != nil && cmd.Root().Writer != nil {
		return cmd.Root().Writer
	}
	return os.Stdout
}
