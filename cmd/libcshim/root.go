package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// globalOptions are the flags every command shares.
type globalOptions struct {
	verbose int
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "libcshim",
		Short: "Run a WebAssembly numerical library on top of the C runtime shim",
		Long: `libcshim hosts a C library compiled to WebAssembly that imports malloc,
printf and friends from module env, and runs its compute entry point over
source text, writing the resulting SVG drawing.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "Show guest output (-v), heap summaries (-vv) and every allocator call (-vvv)")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// logger writes human readable lines to w. Guest output is logged at info
// level and only shows with -v.
func (o *globalOptions) logger(w io.Writer) zerolog.Logger {
	level := zerolog.WarnLevel
	switch {
	case o.verbose >= 3:
		level = zerolog.TraceLevel
	case o.verbose == 2:
		level = zerolog.DebugLevel
	case o.verbose == 1:
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
