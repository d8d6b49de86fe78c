// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/riclolsen/go-serialcmd/usbrly82"
	"github.com/spf13/cobra"
)

var (
	cmdRelay = &cobra.Command{
		Use:       "relay on|off <relay>",
		Short:     "Switch a relay of a USB-RLY82 board",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE:      runRelay,
	}

	relayPort    string
	relayTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(cmdRelay)
	cmdRelay.Flags().StringVarP(&relayPort, "port", "p", "/dev/ttyACM0", "serial port of the board")
	cmdRelay.Flags().DurationVarP(&relayTimeout, "timeout", "t", 5*time.Second, "how long to wait for the board")
}

func runRelay(cmd *cobra.Command, args []string) error {
	var on bool
	switch args[0] {
	case "on":
		on = true
	case "off":
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	relay, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("relay number: %w", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	b := usbrly82.NewBoard(cfg.Link.LinkOption(usbrly82.SerialConfig(relayPort)))
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), relayTimeout)
	defer cancel()
	if err := waitAvailable(ctx, b.Available); err != nil {
		return fmt.Errorf("board on %s: %w", relayPort, err)
	}
	r, err := b.SetRelayPower(relay, on)
	if err != nil {
		return err
	}
	if _, err := r.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Relay %d of board %s switched %s\n", relay, b.SerialNumber(), args[0])
	return nil
}

func waitAvailable(ctx context.Context, available func() bool) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !available() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
