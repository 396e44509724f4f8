package nsstate

import (
	"fmt"

	"github.com/NVIDIA/lfsck/fid"
)

// Position is the resumable cursor of a phase 1 scan.
type Position struct {
	OITCookie uint64
	DirParent fid.FID
	DirCookie uint64
}

func (p Position) IsZero() bool {
	return (0 == p.OITCookie) && p.DirParent.Zero() && (0 == p.DirCookie)
}

// Compare orders by OITCookie, then DirParent, then DirCookie.
func (p Position) Compare(o Position) int {
	switch {
	case p.OITCookie < o.OITCookie:
		return -1
	case p.OITCookie > o.OITCookie:
		return 1
	}
	if c := p.DirParent.Compare(o.DirParent); 0 != c {
		return c
	}
	switch {
	case p.DirCookie < o.DirCookie:
		return -1
	case p.DirCookie > o.DirCookie:
		return 1
	}
	return 0
}

func (p Position) String() string {
	if p.DirParent.Zero() {
		return fmt.Sprintf("%d, N/A, N/A", p.OITCookie)
	}
	return fmt.Sprintf("%d, %s, %#x", p.OITCookie, p.DirParent, p.DirCookie)
}
