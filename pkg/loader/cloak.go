package loader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/symlink"

	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// cloakMarker is the reserved infix every cloaked path carries, so a
// stale entry left by a crashed prior run can be recognized and
// unrolled at startup without any other bookkeeping.
const cloakMarker = "_omnipkg_cloaked_"

// cloakSuffix builds the reserved suffix for one cloak operation:
// ".<kind>_omnipkg_cloaked_<token>".
func cloakSuffix(kind, token string) string {
	return "." + kind + cloakMarker + token
}

// isCloaked reports whether path carries the reserved cloak marker.
func isCloaked(path string) bool {
	return strings.Contains(filepath.Base(path), cloakMarker)
}

// originalPathFromCloak strips a cloak suffix back to the original
// path, or returns ("", false) if path is not a recognized cloak path.
func originalPathFromCloak(path string) (string, bool) {
	base := filepath.Base(path)
	i := strings.LastIndex(base, cloakMarker)
	if i < 0 {
		return "", false
	}
	// Walk back over "<kind>_omnipkg_cloaked_" to the preceding '.'.
	prefix := base[:i]
	dot := strings.LastIndex(prefix, ".")
	if dot < 0 {
		return "", false
	}
	originalBase := base[:dot]
	return filepath.Join(filepath.Dir(path), originalBase), true
}

// cloakOne safely resolves entryPath within siteDir (refusing to follow
// a symlink out of the main environment root) and renames it to its
// cloaked form, returning the CloakedEntry recording both paths.
func cloakOne(siteDir, name, entryPath, kind, token string) (types.CloakedEntry, error) {
	resolved, err := symlink.FollowSymlinkInScope(entryPath, siteDir)
	if err != nil {
		return types.CloakedEntry{}, omnierr.Activation(omnierr.StagePreparing, "cannot resolve "+name+" within main environment scope", err)
	}
	cloakedPath := resolved + cloakSuffix(kind, token)
	if err := os.Rename(resolved, cloakedPath); err != nil {
		return types.CloakedEntry{}, omnierr.Activation(omnierr.StagePreparing, "cannot cloak "+name, err)
	}
	return types.CloakedEntry{Name: name, OriginalPath: resolved, CloakedPath: cloakedPath}, nil
}

// uncloakOne renames a cloaked entry back to its original path.
func uncloakOne(entry types.CloakedEntry) error {
	return os.Rename(entry.CloakedPath, entry.OriginalPath)
}
