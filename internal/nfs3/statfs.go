package nfs3

import "golang.org/x/sys/unix"

// statfsResult carries the subset of statvfs(2) fields FSSTAT reports.
type statfsResult struct {
	TotalBytes uint64
	FreeBytes  uint64
	AvailBytes uint64
	TotalFiles uint64
	FreeFiles  uint64
	AvailFiles uint64
}

func statfs(path string, out *statfsResult) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return err
	}
	bsize := uint64(st.Bsize)
	out.TotalBytes = st.Blocks * bsize
	out.FreeBytes = st.Bfree * bsize
	out.AvailBytes = st.Bavail * bsize
	out.TotalFiles = st.Files
	out.FreeFiles = st.Ffree
	out.AvailFiles = st.Ffree
	return nil
}
