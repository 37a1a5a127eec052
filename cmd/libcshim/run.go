package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wasilibs/go-libcshim"
)

type runOptions struct {
	*globalOptions

	module   string
	entry    string
	timeout  time.Duration
	heapBase uint32
	dataURL  bool
	output   string
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{globalOptions: global}

	cmd := &cobra.Command{
		Use:   "run --module <lib.wasm> [input]",
		Short: "Compute a drawing from source text",
		Long: `The run command loads the guest library, feeds it the source text from the
input file (or stdin when omitted or "-") and writes the SVG it produces.

Example:
  libcshim run --module solver.wasm sketch.txt > sketch.svg
  echo "circle r=3" | libcshim run --module solver.wasm --data-url -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := "-"
			if len(args) == 1 {
				input = args[0]
			}
			return runRun(cmd, opts, input)
		},
	}

	cmd.Flags().StringVarP(&opts.module, "module", "m", "", "Guest WebAssembly library (required)")
	cmd.Flags().StringVar(&opts.entry, "entry", "compute", "Guest export to call")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Abort the computation after this long (0 means no limit)")
	cmd.Flags().Uint32Var(&opts.heapBase, "heap-base", 0, "Address the heap starts at (default: the guest's __heap_base)")
	cmd.Flags().BoolVar(&opts.dataURL, "data-url", false, "Print the drawing as a data: URL")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the drawing to this file instead of stdout")
	_ = cmd.MarkFlagRequired("module")

	return cmd
}

func runRun(cmd *cobra.Command, opts *runOptions, input string) error {
	guest, err := os.ReadFile(opts.module)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}

	text, err := readInput(cmd.InOrStdin(), input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	logger := opts.logger(cmd.ErrOrStderr())
	options := []libcshim.Option{
		libcshim.WithLogger(logger),
		libcshim.WithEntryPoint(opts.entry),
	}
	if cmd.Flags().Changed("heap-base") {
		options = append(options, libcshim.WithHeapBase(opts.heapBase))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	engine, err := libcshim.Compile(ctx, guest, options...)
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	start := time.Now()
	drawing, err := engine.Compute(ctx, text)
	if err != nil {
		var ce *libcshim.CompileError
		if errors.As(err, &ce) {
			return fmt.Errorf("%s: %s", input, ce.Message)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("computation timed out after %s", opts.timeout)
		}
		return err
	}
	logger.Info().Dur("elapsed", time.Since(start)).Int("bytes", len(drawing.SVG)).Msg("computed drawing")

	out := cmd.OutOrStdout()
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	if opts.dataURL {
		_, err = fmt.Fprintln(out, drawing.DataURL())
	} else {
		_, err = out.Write(drawing.SVG)
	}
	return err
}

func readInput(stdin io.Reader, input string) (string, error) {
	if input == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(input)
	return string(b), err
}
