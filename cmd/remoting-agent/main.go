// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command remoting-agent is a thin demonstration harness for the
// remoting package: it opens a Channel over stdin/stdout (the
// classic "launched agent" transport) and serves calls until the peer
// closes the channel. It is deliberately not a full launcher: process
// supervision, listener status, and failure-directory rotation belong
// to whatever wraps it.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/duplexio/remoting"
)

type agentOptions struct {
	chunked         bool
	shutdownTimeout time.Duration
	verbose         bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := agentOptions{}
	cmd := &cobra.Command{
		Use:   "remoting-agent",
		Short: "Serve a remoting Channel over stdin/stdout",
		Long:  `remoting-agent opens a remoting.Channel over its own stdin/stdout and blocks until the peer closes it, as a minimal demonstration of the transport.`,
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runAgent(opts) },
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.chunked, "chunked", true, "not passed to the channel: chunked framing is chosen at Open whenever the peer supports it")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "drain deadline for graceful shutdown")
	flags.BoolVar(&opts.verbose, "verbose", false, "enable debug logging to stderr")
	return cmd
}

func runAgent(opts agentOptions) error {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	rw := stdioReadWriter{}
	ch, err := remoting.Open(rw,
		remoting.WithLogger(log),
		remoting.WithShutdownTimeout(opts.shutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	log.WithField("caps", ch.Capabilities()).Info("remoting-agent: channel open")

	return ch.Wait()
}

// stdioReadWriter adapts os.Stdin/os.Stdout to io.ReadWriter for the
// launched-agent transport.
type stdioReadWriter struct{}

func (stdioReadWriter) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioReadWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
