// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/riclolsen/go-serialcmd/evbox"
	"github.com/riclolsen/go-serialcmd/link"
	"github.com/spf13/cobra"
)

var (
	cmdEVBox = &cobra.Command{
		Use:   "evbox",
		Short: "EVBox charging station tools",
	}

	cmdEVBoxDiscover = &cobra.Command{
		Use:   "discover",
		Short: "Ask the station on the bus for its serial number",
		Args:  cobra.NoArgs,
		RunE:  runEVBoxDiscover,
	}

	evboxPort    string
	evboxTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(cmdEVBox)
	cmdEVBox.AddCommand(cmdEVBoxDiscover)
	cmdEVBox.PersistentFlags().StringVarP(&evboxPort, "port", "p", "/dev/ttyUSB0", "serial port of the RS485 adapter")
	cmdEVBox.PersistentFlags().DurationVarP(&evboxTimeout, "timeout", "t", 5*time.Second, "how long to wait for the station")
}

func runEVBoxDiscover(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	serialCfg := evbox.SerialConfig(evboxPort)
	ctx, cancel := context.WithTimeout(cmd.Context(), evboxTimeout)
	defer cancel()

	serialNo, err := evbox.Discover(ctx, link.NewSerialTransport(serialCfg), cfg.Link.LinkOption(serialCfg))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Found station %s on %s\n", serialNo, evboxPort)
	return nil
}
