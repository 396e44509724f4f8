package lfsck

import (
	"github.com/NVIDIA/lfsck/blunder"
	"github.com/NVIDIA/lfsck/nsstate"
	"github.com/NVIDIA/lfsck/objstore"
)

const readDirBatch = 128

func isDotName(name string) bool {
	return ("." == name) || (".." == name)
}

// execDir hands every entry of dir with a cookie after the given one to the
// assistant pool. It returns done == false when the run was asked to stop.
func (e *Engine) execDir(dir objstore.Object, oitCookie uint64, after uint64) (done bool, err error) {
	var entries []objstore.DirEntry

	cookie := after
	for {
		entries, err = dir.ReadDir(cookie, readDirBatch)
		if nil != err {
			if blunder.Is(err, blunder.NotFoundError) {
				// Removed while being traversed.
				done, err = true, nil
			}
			return
		}
		if 0 == len(entries) {
			done = true
			return
		}

		for _, entry := range entries {
			cookie = entry.Cookie

			if e.stopped() {
				return e.stopOutcome()
			}
			if isDotName(entry.Name) || entry.FID.IsDotSeq() {
				continue
			}

			dir.Get()
			req := &scanRequest{
				parent:    dir,
				child:     entry.FID,
				name:      entry.Name,
				typ:       entry.Type,
				attr:      entry.Attr,
				oitCookie: oitCookie,
				dirCookie: entry.Cookie,
			}

			err = e.pool.enqueue(req)
			if nil != err {
				dir.Put()
				if blunder.Is(err, blunder.StoppedError) {
					return e.stopOutcome()
				}
				return
			}

			e.Lock()
			e.newChecked++
			e.pos = nsstate.Position{OITCookie: oitCookie, DirParent: dir.FID(), DirCookie: entry.Cookie}
			e.Unlock()

			if e.throttle() {
				return e.stopOutcome()
			}
		}
	}
}
