package breakpoints

import (
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ctagard/dap-orchestrator/pkg/types"
)

// caseInsensitivePaths is true on platforms whose default filesystems ignore
// case.
var caseInsensitivePaths = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

func normalizePath(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	if caseInsensitivePaths {
		p = strings.ToLower(p)
	}
	return p
}

// ResolveHit reports which installed breakpoint a stop corresponds to. Only
// stops with reason breakpoint are attributed. The stop's frame must match an
// installed breakpoint's file and line; failing that, a breakpoint stop in a
// file holding exactly one installed breakpoint is attributed to it, since
// adapters may move a breakpoint to the next executable line.
func ResolveHit(ev types.StopEvent, installed []Installed) (Installed, bool) {
	if ev.Reason != types.StopReasonBreakpoint || ev.Frame == nil || ev.Frame.Path == "" {
		return Installed{}, false
	}
	path := normalizePath(ev.Frame.Path)

	var sameFile []Installed
	for _, inst := range installed {
		if normalizePath(inst.Breakpoint.Path) != path {
			continue
		}
		if inst.Breakpoint.Line == ev.Frame.Line {
			return inst, true
		}
		sameFile = append(sameFile, inst)
	}
	if len(sameFile) == 1 {
		return sameFile[0], true
	}
	return Installed{}, false
}
