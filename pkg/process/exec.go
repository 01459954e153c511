// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package process sets up process-wide configuration and logging for the
// service commands: flags, a config file, and PYDB_* environment variables
// all feed the same settings.
package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is a process error class.
var Error = errs.Class("process error")

// envPrefix binds settings to PYDB_* environment variables, e.g.
// PYDB_LOG_OUTPUT for --log.output.
const envPrefix = "pydb"

func defaultConfigPath(name string) string {
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	path := filepath.Join(".dbrief", fmt.Sprintf("%s.yaml", name))
	home, err := homedir.Dir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path)
}

// Execute runs a *cobra.Command and sets up process-wide configuration:
// a configuration file, environment binding, and logging flags.
func Execute(cmd *cobra.Command) {
	cfgFile := flag.String("config", defaultConfigPath(cmd.Name()), "config file")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		bindFlags(cmd)
		viper.SetEnvPrefix(envPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
			_ = viper.ReadInConfig()
		}
	})

	Must(cmd.Execute())
}

// bindFlags registers the whole command tree's flags with viper, so the
// config file and environment can feed any of them.
func bindFlags(cmd *cobra.Command) {
	_ = viper.BindPFlags(cmd.Flags())
	for _, child := range cmd.Commands() {
		bindFlags(child)
	}
}

// Ctx returns a context that is cancelled when the process receives an
// interrupt or termination signal.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// Must exits the process on error.
func Must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
