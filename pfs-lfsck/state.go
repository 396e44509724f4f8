package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/fid"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/tracking"
)

var stateTarget uint32

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted namespace LFSCK state of a target",
	Args:  cobra.NoArgs,
	RunE:  statusRunE,
}

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "List the tracking index entries of a target",
	Args:  cobra.NoArgs,
	RunE:  traceRunE,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the persisted state and tracking index of a target",
	Args:  cobra.NoArgs,
	RunE:  resetRunE,
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, traceCmd, resetCmd} {
		cmd.Flags().Uint32VarP(&stateTarget, "target", "t", 0, "target index")
		rootCmd.AddCommand(cmd)
	}
}

func loadRecord(index tracking.Index) (r *nsstate.Record, err error) {
	buf, err := index.LoadState()
	if nil != err {
		return
	}
	r, err = nsstate.Unpack(buf)
	return
}

func humanTime(stamp uint64) string {
	if 0 == stamp {
		return "never"
	}
	return humanize.Time(time.Unix(int64(stamp), 0))
}

func printRecord(w io.Writer, r *nsstate.Record, tracked int) {
	// What a restarting engine would report.
	cond, _ := r.Condition().Loaded()

	fmt.Fprintf(w, "status:               %s\n", cond.Status)
	fmt.Fprintf(w, "flags:                %s\n", cond.Flags)
	fmt.Fprintf(w, "param:                %s\n", r.Param)
	fmt.Fprintf(w, "last completed:       %s\n", humanTime(r.TimeLastComplete))
	fmt.Fprintf(w, "latest start:         %s\n", humanTime(r.TimeLatestStart))
	fmt.Fprintf(w, "last checkpoint:      %s at %s\n", humanTime(r.TimeLastCheckpoint), r.PosLastCheckpoint)
	fmt.Fprintf(w, "successful runs:      %s\n", humanize.Comma(int64(r.SuccessCount)))
	fmt.Fprintf(w, "phase 1:              %s checked, %s repaired, %s failed, %s directories in %s\n",
		humanize.Comma(int64(r.ItemsChecked)),
		humanize.Comma(int64(r.ItemsRepaired)),
		humanize.Comma(int64(r.ItemsFailed)),
		humanize.Comma(int64(r.DirsChecked)),
		time.Duration(r.RunTimePhase1)*time.Second)
	fmt.Fprintf(w, "phase 2:              %s checked, %s repaired, %s failed in %s\n",
		humanize.Comma(int64(r.ObjsCheckedPhase2)),
		humanize.Comma(int64(r.ObjsRepairedPhase2)),
		humanize.Comma(int64(r.ObjsFailedPhase2)),
		time.Duration(r.RunTimePhase2)*time.Second)
	fmt.Fprintf(w, "names repaired:       %s\n", humanize.Comma(int64(r.DirentRepaired)))
	fmt.Fprintf(w, "linkEAs repaired:     %s\n", humanize.Comma(int64(r.LinkEARepaired)))
	fmt.Fprintf(w, "lost+found:           %s\n", humanize.Comma(int64(r.ObjsLostFound)))
	fmt.Fprintf(w, "dangling names:       %s\n", humanize.Comma(int64(r.DanglingFound)))
	fmt.Fprintf(w, "multiply linked:      %s checked, %s repaired\n",
		humanize.Comma(int64(r.MulLinkedChecked)),
		humanize.Comma(int64(r.MulLinkedRepaired)))
	fmt.Fprintf(w, "tracked objects:      %s\n", humanize.Comma(int64(tracked)))
}

func statusRunE(cmd *cobra.Command, args []string) (err error) {
	index, err := openPersistedIndex(stateTarget)
	if nil != err {
		return
	}
	defer func() { _ = index.Close() }()

	r, err := loadRecord(index)
	if blunder.Is(err, blunder.NoDataError) {
		fmt.Printf("MDT%04x: no namespace LFSCK state recorded\n", stateTarget)
		err = nil
		return
	}
	if nil != err {
		return
	}

	tracked, err := index.Count()
	if nil != err {
		return
	}

	printRecord(os.Stdout, r, tracked)
	return
}

func traceRunE(cmd *cobra.Command, args []string) (err error) {
	index, err := openPersistedIndex(stateTarget)
	if nil != err {
		return
	}
	defer func() { _ = index.Close() }()

	err = tracking.Walk(index, fid.FID{}, func(f fid.FID, flags tracking.Flags) (bool, error) {
		fmt.Printf("%s %s\n", f, flags)
		return true, nil
	})
	return
}

func resetRunE(cmd *cobra.Command, args []string) (err error) {
	index, err := openPersistedIndex(stateTarget)
	if nil != err {
		return
	}
	defer func() { _ = index.Close() }()

	r, err := loadRecord(index)
	if nil != err {
		// Nothing (or nothing usable) to keep.
		r = nsstate.New()
	}
	r.Reset(false)

	err = index.Recreate()
	if nil != err {
		return
	}
	buf, err := r.Pack()
	if nil != err {
		return
	}
	err = index.StoreState(buf)
	if nil != err {
		return
	}

	fmt.Printf("MDT%04x: namespace LFSCK reset (%s successful runs kept)\n", stateTarget, humanize.Comma(int64(r.SuccessCount)))
	return
}
