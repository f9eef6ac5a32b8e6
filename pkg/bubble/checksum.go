package bubble

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// checksumFile returns the hex xxhash64 of a regular file's contents.
// xxhash is used instead of a cryptographic digest because the
// manifest's job is corruption/drift detection, not tamper resistance.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, bufio.NewReaderSize(f, 64*1024)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// manifestChecksum derives a single checksum over an ordered manifest,
// so BubbleRecord.ChecksumOfManifest changes if any entry's relpath,
// checksum, or size changes, or if entries are added or removed.
func manifestChecksum(entries []manifestEntry) string {
	sorted := append([]manifestEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	h := xxhash.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "%s\x00%s\x00%d\n", e.RelPath, e.Checksum, e.Size)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

type manifestEntry struct {
	RelPath  string
	Checksum string
	Size     int64
	Hardlink bool
}
