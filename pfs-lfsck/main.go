// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program pfs-lfsck runs the namespace LFSCK engine over a namespace image and
// inspects the state it persists.
//
// Every subcommand accepts --conf (a .conf file) and any number of
// --set Section.Option=Value overrides. The [Namespace]TrackingDBPath
// directory holds one pebble index per target (named MDT0000, MDT0001, ...);
// with it unset, run keeps its indices in memory and the other subcommands
// have nothing to read.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/conf"
	"github.com/NVIDIA/lfsck/lfsck"
	"github.com/NVIDIA/lfsck/tracking"
	"github.com/NVIDIA/lfsck/transitions"
)

type globalsStruct struct {
	confFile    string
	confStrings []string
	confMap     conf.ConfMap
	up          bool
}

var globals globalsStruct

var rootCmd = &cobra.Command{
	Use:               "pfs-lfsck",
	Short:             "Namespace consistency check and repair",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globals.confFile, "conf", "c", "", "configuration file")
	rootCmd.PersistentFlags().StringArrayVarP(&globals.confStrings, "set", "s", nil, "Section.Option=Value override (repeatable)")
}

func main() {
	err := rootCmd.Execute()
	if globals.up {
		downErr := transitions.Down(globals.confMap)
		if nil == err {
			err = downErr
		}
	}
	if nil != err {
		fmt.Fprintf(os.Stderr, "pfs-lfsck: %v\n", err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) (err error) {
	if "" == globals.confFile {
		globals.confMap = conf.MakeConfMap()
	} else {
		globals.confMap, err = conf.MakeConfMapFromFile(globals.confFile)
		if nil != err {
			return
		}
	}

	err = globals.confMap.UpdateFromStrings(globals.confStrings)
	if nil != err {
		return
	}

	err = transitions.Up(globals.confMap)
	if nil != err {
		return
	}
	globals.up = true
	return
}

// openIndex opens the tracking index of target, in memory when no
// TrackingDBPath is configured.
func openIndex(opts lfsck.Options, target uint32) (index tracking.Index, err error) {
	if "" != opts.TrackingDBPath {
		opts.TrackingDBPath = filepath.Join(opts.TrackingDBPath, fmt.Sprintf("MDT%04x", target))
	}
	index, err = lfsck.OpenIndex(opts)
	return
}

// openPersistedIndex is openIndex for subcommands that only make sense on a
// pebble index.
func openPersistedIndex(target uint32) (index tracking.Index, err error) {
	opts := lfsck.DefaultOptions()
	if "" == opts.TrackingDBPath {
		err = blunder.NewError(blunder.InvalidArgError, "Namespace.TrackingDBPath must be set")
		return
	}
	index, err = openIndex(opts, target)
	return
}
