//go:build !windows

package binfile

import "golang.org/x/sys/unix"

type owner struct {
	uid, gid int
	links    uint64
}

func statOwner(path string) (owner, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return owner{}, false
	}
	return owner{uid: int(st.Uid), gid: int(st.Gid), links: uint64(st.Nlink)}, true
}

func (o owner) apply(path string) error {
	return unix.Chown(path, o.uid, o.gid)
}
