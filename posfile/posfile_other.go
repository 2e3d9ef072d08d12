//go:build !unix

package posfile

// Portable fallback for platforms without pread/pwrite/fdatasync: os.File's
// ReadAt/WriteAt are already positional, and Sync is the closest available
// durability primitive.

func (pf *File) readAtPlatform(off int64, buf []byte) (int, error) {
	return pf.f.ReadAt(buf, off)
}

func (pf *File) writeAtPlatform(off int64, bytes []byte) (int, error) {
	return pf.f.WriteAt(bytes, off)
}

func (pf *File) flushDataOnlyPlatform() error {
	return pf.f.Sync()
}
