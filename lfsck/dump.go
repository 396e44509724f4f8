package lfsck

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/NVIDIA/lfsck/nsstate"
)

const dumpVersion = 2

func dumpTime(b *strings.Builder, name string, stamp uint64, now time.Time) {
	if 0 == stamp {
		fmt.Fprintf(b, "%s: N/A\n", name)
		return
	}
	fmt.Fprintf(b, "%s: %d seconds\n", name, now.Unix()-int64(stamp))
}

func dumpPos(b *strings.Builder, name string, pos nsstate.Position) {
	switch {
	case pos.IsZero():
		fmt.Fprintf(b, "%s: N/A\n", name)
	case pos.DirParent.Zero():
		fmt.Fprintf(b, "%s: %d\n", name, pos.OITCookie)
	default:
		fmt.Fprintf(b, "%s: %d, %s, %#x\n", name, pos.OITCookie, pos.DirParent, pos.DirCookie)
	}
}

func perSecond(items uint64, seconds uint32) uint64 {
	if 0 == seconds {
		return items
	}
	return items / uint64(seconds)
}

// Dump writes a human readable report of the state record, including the
// live speed and position of a run in progress.
func (e *Engine) Dump(w io.Writer) (err error) {
	var b strings.Builder

	now := time.Now()

	e.RLock()
	r := *e.record
	running := e.running
	newChecked := e.newChecked
	sinceCheckpoint := secondsSince(e.timeLastCheckpoint)
	var pos nsstate.Position
	if running {
		pos = e.fillPosLocked()
	}
	e.RUnlock()

	fmt.Fprintf(&b, "name: lfsck_namespace\n")
	fmt.Fprintf(&b, "magic: %#x\n", r.Magic)
	fmt.Fprintf(&b, "version: %d\n", dumpVersion)
	fmt.Fprintf(&b, "status: %s\n", r.Status)
	fmt.Fprintf(&b, "flags: %s\n", r.Flags)
	fmt.Fprintf(&b, "param: %s\n", r.Param)

	dumpTime(&b, "time_since_last_completed", r.TimeLastComplete, now)
	dumpTime(&b, "time_since_latest_start", r.TimeLatestStart, now)
	dumpTime(&b, "time_since_last_checkpoint", r.TimeLastCheckpoint, now)

	dumpPos(&b, "latest_start_position", r.PosLatestStart)
	dumpPos(&b, "last_checkpoint_position", r.PosLastCheckpoint)
	dumpPos(&b, "first_failure_position", r.PosFirstInconsistent)

	checkedPhase1 := r.ItemsChecked
	checkedPhase2 := r.ObjsCheckedPhase2
	runTimePhase1 := r.RunTimePhase1
	runTimePhase2 := r.RunTimePhase2
	if running {
		switch r.Status {
		case nsstate.StatusScanningPhase1:
			checkedPhase1 += newChecked
			runTimePhase1 += sinceCheckpoint
		case nsstate.StatusScanningPhase2:
			checkedPhase2 += newChecked
			runTimePhase2 += sinceCheckpoint
		}
	}

	fmt.Fprintf(&b, "checked_phase1: %d\n", checkedPhase1)
	fmt.Fprintf(&b, "checked_phase2: %d\n", checkedPhase2)
	fmt.Fprintf(&b, "updated_phase1: %d\n", r.ItemsRepaired)
	fmt.Fprintf(&b, "updated_phase2: %d\n", r.ObjsRepairedPhase2)
	fmt.Fprintf(&b, "failed_phase1: %d\n", r.ItemsFailed)
	fmt.Fprintf(&b, "failed_phase2: %d\n", r.ObjsFailedPhase2)
	fmt.Fprintf(&b, "directories: %d\n", r.DirsChecked)
	fmt.Fprintf(&b, "dirent_repaired: %d\n", r.DirentRepaired)
	fmt.Fprintf(&b, "linkea_repaired: %d\n", r.LinkEARepaired)
	fmt.Fprintf(&b, "nlinks_repaired: %d\n", r.ObjsNlinkRepaired)
	fmt.Fprintf(&b, "lost_found: %d\n", r.ObjsLostFound)
	fmt.Fprintf(&b, "dangling_found: %d\n", r.DanglingFound)
	fmt.Fprintf(&b, "multiple_linked_checked: %d\n", r.MulLinkedChecked)
	fmt.Fprintf(&b, "multiple_linked_repaired: %d\n", r.MulLinkedRepaired)
	fmt.Fprintf(&b, "success_count: %d\n", r.SuccessCount)
	fmt.Fprintf(&b, "run_time_phase1: %d seconds\n", runTimePhase1)
	fmt.Fprintf(&b, "run_time_phase2: %d seconds\n", runTimePhase2)

	switch {
	case running && (nsstate.StatusScanningPhase1 == r.Status):
		fmt.Fprintf(&b, "average_speed_phase1: %d items/sec\n", perSecond(checkedPhase1, runTimePhase1))
		fmt.Fprintf(&b, "average_speed_phase2: N/A\n")
		fmt.Fprintf(&b, "real_time_speed_phase1: %d items/sec\n", perSecond(newChecked, sinceCheckpoint))
		fmt.Fprintf(&b, "real_time_speed_phase2: N/A\n")
		dumpPos(&b, "current_position", pos)
	case running && (nsstate.StatusScanningPhase2 == r.Status):
		fmt.Fprintf(&b, "average_speed_phase1: %d items/sec\n", perSecond(r.ItemsChecked, r.RunTimePhase1))
		fmt.Fprintf(&b, "average_speed_phase2: %d objs/sec\n", perSecond(checkedPhase2, runTimePhase2))
		fmt.Fprintf(&b, "real_time_speed_phase1: N/A\n")
		fmt.Fprintf(&b, "real_time_speed_phase2: %d objs/sec\n", perSecond(newChecked, sinceCheckpoint))
		fmt.Fprintf(&b, "current_position: %s\n", r.FIDLatestScannedPhase2)
	default:
		fmt.Fprintf(&b, "average_speed_phase1: %d items/sec\n", perSecond(r.ItemsChecked, r.RunTimePhase1))
		fmt.Fprintf(&b, "average_speed_phase2: %d objs/sec\n", perSecond(r.ObjsCheckedPhase2, r.RunTimePhase2))
		fmt.Fprintf(&b, "real_time_speed_phase1: N/A\n")
		fmt.Fprintf(&b, "real_time_speed_phase2: N/A\n")
		fmt.Fprintf(&b, "current_position: N/A\n")
	}

	_, err = io.WriteString(w, b.String())
	return
}
