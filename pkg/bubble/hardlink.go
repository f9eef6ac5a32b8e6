package bubble

import (
	"errors"
	"os"
	"syscall"
)

// dedupeAgainstMain replaces bubblePath with a hardlink to mainPath when
// both exist, are regular files, and carry the same checksum. Crossing
// filesystems (EXDEV) or a filesystem that simply doesn't support hard
// links falls back to leaving the plain copy in place — the dedup
// invariant is best-effort space saving, never a build-blocking
// requirement.
//
// The caller is responsible for recording the file's own checksum in
// the manifest regardless of whether this call produced a hardlink.
func dedupeAgainstMain(bubblePath, mainPath, checksum string) (hardlinked bool, err error) {
	mainChecksum, err := checksumFile(mainPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if mainChecksum != checksum {
		return false, nil
	}

	tmp := bubblePath + ".omnipkg-link-tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return false, err
	}

	if err := os.Link(mainPath, tmp); err != nil {
		if isCrossDevice(err) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EPERM) {
			return false, nil
		}
		return false, err
	}

	if err := os.Remove(bubblePath); err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, bubblePath); err != nil {
		return false, err
	}
	return true, nil
}

func isCrossDevice(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EXDEV
	}
	return false
}
