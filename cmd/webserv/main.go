/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	webserv "github.com/johnx/webserv"
	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/metrics"
)

const defaultConfigPath = "./etc/webserv/webserv.conf"

var logLevel string

func main() {
	cmd := &cobra.Command{
		Use:           "webserv [config-file]",
		Short:         "HTTP/1.1 origin server with CGI support",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		logrus.WithError(err).Error("startup failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	configPath := defaultConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	httpCfg, err := cfg.Load(configPath)
	if err != nil {
		return err
	}

	reactor, err := webserv.NewReactor()
	if err != nil {
		return err
	}
	defer reactor.Close()

	manager := webserv.NewManager(reactor)
	if err := manager.InitServers(httpCfg); err != nil {
		return err
	}
	defer manager.Close()

	// A peer resetting mid-write must not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return reactor.Run()
	})
	g.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			case sig := <-sigs:
				if sig == syscall.SIGUSR1 {
					if dump, err := metrics.Dump(); err == nil {
						logrus.Info("metrics:\n" + dump)
					}
					continue
				}
				logrus.WithField("signal", sig).Info("shutting down")
				reactor.Shutdown()
				return nil
			}
		}
	})
	return g.Wait()
}
