package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/message"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run <gateway.yaml>",
	Short: "Load a gateway and publish stdin lines to it",
	Long: `Load the modules listed in a gateway file and publish every line read
from stdin as a message. The gateway is destroyed on EOF or on SIGINT/SIGTERM.

Example:
  echo hello | modhost run gateway.yaml --prop source=stdin`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSlice("prop", nil, "Property key=value added to every message (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	specs, _ := cmd.Flags().GetStringSlice("prop")
	props, err := parseProps(specs)
	if err != nil {
		return err
	}

	g, err := loadGateway(args[0], cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer g.Destroy()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := pumpLines(ctx, cmd.InOrStdin(), g, props)
	logger.Info("input finished", zap.Int("published", n))
	return err
}

// publisher is the part of a gateway pumpLines needs.
type publisher interface {
	Publish(msg *message.Message) gateway.Result
}

// pumpLines publishes each line of r as a message with props until r is
// exhausted or ctx is done. It returns the number of messages published.
func pumpLines(ctx context.Context, r io.Reader, p publisher, props map[string]string) (int, error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		errc <- sc.Err()
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return n, nil
		case line, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					return n, fmt.Errorf("reading input: %w", err)
				}
				return n, nil
			}
			if res := p.Publish(message.New([]byte(line), props)); res != gateway.OK {
				logger.Warn("publish failed", zap.Stringer("result", res))
				continue
			}
			n++
		}
	}
}
