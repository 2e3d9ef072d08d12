//go:build unix

package posfile

import "golang.org/x/sys/unix"

// readAtPlatform/writeAtPlatform/flushDataOnlyPlatform use unix's
// pread/pwrite/fdatasync directly, matching PositionalFile's contract
// (§4.1: "No seeking state — every operation carries its own offset").
// os.File.ReadAt/WriteAt already do this under the hood on unix, but calling
// unix directly avoids an extra syscall for the fdatasync case where Go's
// standard library only exposes the full fsync via File.Sync.

func (pf *File) readAtPlatform(off int64, buf []byte) (int, error) {
	return unix.Pread(int(pf.f.Fd()), buf, off)
}

func (pf *File) writeAtPlatform(off int64, bytes []byte) (int, error) {
	return unix.Pwrite(int(pf.f.Fd()), bytes, off)
}

func (pf *File) flushDataOnlyPlatform() error {
	return unix.Fdatasync(int(pf.f.Fd()))
}
