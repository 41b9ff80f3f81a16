// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// rarinspect prints the structure of RAR archives: the entry table or the
// raw block layout of a volume.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cosnicolaou/rardec"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "rarinspect",
		Short: "inspect the structure of RAR archives",
	}
	root.AddCommand(listCmd(), blocksCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive>...",
		Short: "list the entries of each archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if err := listArchive(name); err != nil {
					return fmt.Errorf("%v: %v", name, err)
				}
			}
			return nil
		},
	}
}

func listArchive(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	archive, err := rardec.New(f)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %v", name, archive.Format())
	if archive.Solid() {
		fmt.Print(", solid")
	}
	if archive.MultiVolume() {
		fmt.Print(", multi-volume")
	}
	if rr := archive.RecoveryRecord(); rr.Present {
		fmt.Printf(", recovery record (%d%%)", rr.Percent)
	}
	fmt.Println()
	for {
		e, err := archive.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		flags := ""
		if e.IsDirectory {
			flags += "d"
		}
		if e.Solid {
			flags += "s"
		}
		if e.Encrypted {
			flags += "e"
		}
		fmt.Printf("  %-3s %-7s v%-2d %12d %12d  %s\n",
			flags, e.Method, e.Version, e.UnpackedSize, e.PackedSize, e.Name)
	}
}

func blocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "blocks <volume>...",
		Short: "dump the block layout of each volume",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				f, err := os.Open(name)
				if err != nil {
					return err
				}
				err = rardec.DumpBlocks(f, os.Stdout)
				f.Close()
				if err != nil {
					return fmt.Errorf("%v: %v", name, err)
				}
			}
			return nil
		},
	}
}
