package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/subtype/internal/broker"
	"github.com/dshills/subtype/internal/editor"
	"github.com/dshills/subtype/internal/service"
)

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check FILE...",
		Short: "Print the diagnostics of each file and fail on errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newApp(opts)
			if err != nil {
				return err
			}
			defer func() { _ = rt.logger.Sync() }()

			b, err := rt.newBroker(broker.NopRenderer{})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return check(ctx, b, args, cmd.OutOrStdout())
		},
	}
}

// check prints the diagnostics of files as file:line:col lines. It returns
// errReported when any diagnostic is illegal.
func check(ctx context.Context, b *broker.Broker, files []string, out io.Writer) (err error) {
	defer func() {
		if serr := b.Shutdown(context.Background()); err == nil && serr != nil {
			err = serr
		}
	}()

	illegal := false
	for _, file := range files {
		path, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		buf := editor.NewBuffer(path, path, string(content))
		if !b.IsSource(buf) {
			return fmt.Errorf("%s: not a source file", file)
		}
		if err := b.Opened(ctx, buf); err != nil {
			return err
		}
		diags, err := b.FetchErrors(ctx, buf)
		if err != nil {
			return err
		}
		for _, d := range diags {
			fmt.Fprintf(out, "%s:%d:%d: %s %s %s\n", file, d.Start.Row+1, d.Start.Col+1, d.Level, d.Code, d.Text)
			if d.Level == service.LevelIllegal {
				illegal = true
			}
		}
	}
	if illegal {
		return errReported
	}
	return nil
}
