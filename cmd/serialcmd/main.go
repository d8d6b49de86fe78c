// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Command serialcmd runs USB-RLY82 relay boards, EVBox chargers and UDP
// commanders and bridges their signals to MQTT and Prometheus.
package main

import (
	"fmt"
	"os"

	"github.com/riclolsen/go-serialcmd/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "serialcmd",
	Short:         "Command/response engine for serial devices.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().AddFlagSet(config.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
