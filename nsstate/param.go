package nsstate

import (
	"strings"
)

// Param holds the start parameters of a run.
type Param uint32

const (
	ParamFailOut Param = 1 << iota
	ParamDryRun
	ParamAllTargets
	ParamBroadcast
)

var paramNames = []string{"failout", "dryrun", "all_targets", "broadcast"}

func (p Param) Has(bits Param) bool {
	return bits == (p & bits)
}

func (p Param) String() string {
	names := make([]string, 0, len(paramNames))
	for i, name := range paramNames {
		if p.Has(1 << uint(i)) {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// ParseParam accepts a comma separated list of parameter names.
func ParseParam(s string) (p Param, ok bool) {
	ok = true
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if "" == name {
			continue
		}
		found := false
		for i, known := range paramNames {
			if name == known {
				p |= 1 << uint(i)
				found = true
				break
			}
		}
		if !found {
			ok = false
		}
	}
	return
}
