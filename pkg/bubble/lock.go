package bubble

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/omnipkg/omnipkgd/pkg/omnierr"
)

// buildLock is the advisory file lock on <base>/.build.lock the spec
// requires every Build call to hold; no other Bubble Store operation
// needs it (verify/delete/list only read or remove completed trees).
type buildLock struct {
	f *os.File
}

func acquireBuildLock(baseDir string) (*buildLock, error) {
	path := filepath.Join(baseDir, ".build.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, omnierr.Build(omnierr.BuildPerm, "cannot open build lock", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, omnierr.Build(omnierr.BuildDisk, "cannot acquire build lock", err)
	}
	return &buildLock{f: f}, nil
}

func (l *buildLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
