package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/halter"
	"github.com/NVIDIA/lfsck/lfsck"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/peer"
	"github.com/NVIDIA/lfsck/ramstore"
	"github.com/NVIDIA/lfsck/tracking"
)

var (
	runImage string
	runParam string
	runHalts []string
	runPaths bool
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Check a namespace image, one engine per target",
	Long: `Loads a YAML namespace image and runs the namespace LFSCK on every target
it declares. With more than one target the engines are joined by the
configured peer transport and run with all_targets,broadcast.

--halt label=count arms a crash point (see halter); the process is killed
on the count'th pass so that a later run resumes from the persisted index.

--metrics-addr host:port serves the engines' counters in Prometheus format
on /metrics while the run lasts.`,
	Args: cobra.NoArgs,
	RunE: runRunE,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runImage, "image", "i", "", "namespace image (YAML)")
	runCmd.Flags().StringVarP(&runParam, "param", "p", "", "start parameters, e.g. dryrun,failout (default from [Namespace])")
	runCmd.Flags().StringArrayVar(&runHalts, "halt", nil, "label=count crash point (repeatable)")
	runCmd.Flags().BoolVar(&runPaths, "paths", false, "print every path of the namespace once done")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on host:port during the run")
	_ = runCmd.MarkFlagRequired("image")
}

func armHalts(halts []string) (err error) {
	for _, halt := range halts {
		label, countString, found := strings.Cut(halt, "=")
		if !found {
			err = blunder.NewError(blunder.InvalidArgError, "--halt %s is not label=count", halt)
			return
		}
		count, parseErr := strconv.ParseUint(countString, 10, 32)
		if nil != parseErr {
			err = blunder.NewError(blunder.InvalidArgError, "--halt %s: %v", halt, parseErr)
			return
		}
		err = halter.Arm(label, uint32(count))
		if nil != err {
			return
		}
	}
	return
}

func runRunE(cmd *cobra.Command, args []string) (err error) {
	var (
		engines   []*lfsck.Engine
		indices   []tracking.Index
		transport peer.Transport
	)

	ns, err := ramstore.LoadImageFile(runImage)
	if nil != err {
		return
	}

	opts := lfsck.DefaultOptions()
	opts.Registry = lfsck.NewRegistry()
	param := opts.Param
	if cmd.Flags().Changed("param") {
		var ok bool
		param, ok = nsstate.ParseParam(runParam)
		if !ok {
			err = blunder.NewError(blunder.InvalidArgError, "--param %s has unknown names", runParam)
			return
		}
	}

	count := ns.TargetCount()
	if count > 1 {
		param |= nsstate.ParamAllTargets | nsstate.ParamBroadcast
		transport, err = peer.DefaultTransport()
		if nil != err {
			return
		}
		defer func() { _ = transport.Close() }()
	}

	defer func() {
		for i := len(engines) - 1; i >= 0; i-- {
			closeErr := engines[i].Close()
			if nil == err {
				err = closeErr
			}
		}
		for _, index := range indices {
			closeErr := index.Close()
			if nil == err {
				err = closeErr
			}
		}
	}()

	for i := 0; i < count; i++ {
		var (
			e     *lfsck.Engine
			index tracking.Index
		)

		index, err = openIndex(opts, uint32(i))
		if nil != err {
			return
		}
		indices = append(indices, index)

		e, err = lfsck.New(ns.Target(uint32(i)), index, opts)
		if nil != err {
			return
		}
		engines = append(engines, e)

		for peerIndex := 0; peerIndex < count; peerIndex++ {
			e.AddPeer(uint32(peerIndex))
		}
		if nil != transport {
			err = e.Attach(transport)
			if nil != err {
				return
			}
		}
	}

	err = armHalts(runHalts)
	if nil != err {
		return
	}

	if "" != runMetricsAddr {
		var ms *metricsServer

		ms, err = serveMetrics(runMetricsAddr, opts.Registry)
		if nil != err {
			return
		}
		defer func() { _ = ms.Close() }()
	}

	snap := ns.Snapshot()
	fmt.Printf("checking %s objects on %d target(s) with param %q\n", humanize.Comma(int64(len(snap))), count, param.String())

	for _, e := range engines {
		err = e.Start(param)
		if nil != err {
			return
		}
	}

	for _, e := range engines {
		waitErr := e.Wait()
		if (nil != waitErr) && (nil == err) {
			err = waitErr
		}
	}

	for _, e := range engines {
		fmt.Printf("\n== %s ==\n", e.Name())
		dumpErr := e.Dump(os.Stdout)
		if (nil != dumpErr) && (nil == err) {
			err = dumpErr
		}
	}

	if runPaths {
		paths, fids := ns.Paths()
		fmt.Println()
		for i := range paths {
			fmt.Printf("%s %s\n", fids[i], paths[i])
		}
	}

	return
}
