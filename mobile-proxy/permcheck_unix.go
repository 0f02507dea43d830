//go:build unix

package main

import (
	"os"
	"path"

	"github.com/jedisct1/dlog"
)

// WarnIfMaybeWritableByOtherUsers complains when a file, or any directory on
// the way to it, can be modified by users other than its owner. Sticky
// directories such as /tmp are fine.
func WarnIfMaybeWritableByOtherUsers(p string) {
	p = path.Clean(p)
	for q := p; q != "/" && q != "."; q = path.Dir(q) {
		st, err := os.Stat(q)
		if err != nil {
			dlog.Warnf("Error while checking if [%s] is accessible: [%s] : [%s]", p, q, err)
			return
		}
		mode := st.Mode()
		if mode.Perm()&2 == 0 || (st.IsDir() && mode&os.ModeSticky == os.ModeSticky) {
			continue
		}
		if q == p {
			dlog.Criticalf("[%s] is writable by other system users - If this is not intentional, it is recommended to fix the access permissions", p)
		} else {
			dlog.Warnf("[%s] can be modified by other system users because [%s] is writable by other users - If this is not intentional, it is recommended to fix the access permissions", p, q)
		}
		return
	}
}
