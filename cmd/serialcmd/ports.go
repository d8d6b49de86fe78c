// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/riclolsen/go-serialcmd/link"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var cmdPorts = &cobra.Command{
	Use:   "ports",
	Short: "List the serial ports of this machine",
	Args:  cobra.NoArgs,
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(cmdPorts)
}

func runPorts(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, err := link.Ports()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(out, name)
		}
		return nil
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(out, "%s\tUSB %s:%s serial %s %s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Fprintln(out, p.Name)
		}
	}
	return nil
}
