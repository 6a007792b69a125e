// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RootCommand is the base command all subcommands attach to.
var RootCommand = &cobra.Command{
	Use:   "kstate",
	Short: "Run the stream-processing stateful engine",
	Long:  "kstate runs dataflow pipelines with durable, changelog-backed state stores.",
}

// rootFlags are shared by every subcommand.
var rootFlags = pflag.NewFlagSet("kstate", pflag.ExitOnError)

// logLevelOverride, when set, takes precedence over the configuration
// file's log_level.
var logLevelOverride = rootFlags.String("log-level", "", "override the configured log level (debug, info, warn, error)")

func init() {
	RootCommand.PersistentFlags().AddFlagSet(rootFlags)
}
