/*
Package bubble implements the Bubble Store (C2): it builds, verifies,
lists, and deletes self-contained on-disk package bubbles, computing
each bubble's dependency closure against the Constraint Registry
(constraints.go), deduplicating identical files against the main
environment via hardlinks (hardlink.go), and indexing every bubble's
manifest in a Metadata Cache.

Distribution installation itself is delegated to an external Installer
collaborator; this package only orchestrates where that collaborator's
output lands and how it is folded, checksummed, and recorded.
*/
package bubble

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	archive "github.com/moby/go-archive"
	"github.com/moby/patternmatcher"

	"github.com/omnipkg/omnipkgd/pkg/cache"
	"github.com/omnipkg/omnipkgd/pkg/metrics"
	"github.com/omnipkg/omnipkgd/pkg/obslog"
	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// DefaultIgnorePatterns are paths a bubble never needs in its manifest:
// interpreter caches and VCS metadata an installer may leave behind.
var DefaultIgnorePatterns = []string{
	"**/__pycache__",
	"**/*.pyc",
	"**/.git",
}

// Installer is the external collaborator that materializes a
// distribution's files. It must produce a staging directory per spec
// and report that distribution's own declared dependencies.
type Installer interface {
	// Install materializes spec's distribution into a fresh staging
	// directory of the installer's own choosing, returning that
	// directory and the distribution's declared (possibly unpinned)
	// dependency specs, e.g. "numpy>=1.21".
	Install(ctx context.Context, spec types.Spec) (stagingDir string, declaredDeps []string, err error)
	// Resolve turns a dependency constraint string into the concrete
	// spec the installer would install to satisfy it.
	Resolve(ctx context.Context, constraint string) (types.Spec, error)
}

// Store implements the Bubble Store.
type Store struct {
	baseDir     string
	mainSiteDir string
	cacheStore  cache.Store
	ks          cache.Keyspace
	installer   Installer
	ignore      []string
	strategy    types.InstallStrategy
}

// Config configures a Store.
type Config struct {
	BaseDir        string // required: root under which bubbles live
	MainSiteDir    string // main environment's package directory, for dedup
	Cache          cache.Store
	Namespace      string
	Installer      Installer
	IgnorePatterns []string // defaults to DefaultIgnorePatterns

	// Strategy governs policy on name collisions with the main
	// environment; defaults to StableMain.
	Strategy types.InstallStrategy
}

// New builds a Store, creating BaseDir if it does not already exist.
func New(cfg Config) (*Store, error) {
	if cfg.BaseDir == "" {
		return nil, omnierr.New(omnierr.SpecInvalid, "bubble store requires a base directory")
	}
	if cfg.Cache == nil {
		return nil, omnierr.New(omnierr.SpecInvalid, "bubble store requires a metadata cache")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, omnierr.Build(omnierr.BuildDisk, "cannot create base directory", err)
	}
	ignore := cfg.IgnorePatterns
	if ignore == nil {
		ignore = DefaultIgnorePatterns
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = types.StableMain
	}
	return &Store{
		baseDir:     cfg.BaseDir,
		mainSiteDir: cfg.MainSiteDir,
		cacheStore:  cfg.Cache,
		ks:          cache.NewKeyspace(cfg.Namespace),
		installer:   cfg.Installer,
		ignore:      ignore,
		strategy:    strategy,
	}, nil
}

func (s *Store) bubblePath(spec types.Spec) string {
	return filepath.Join(s.baseDir, spec.Name+"-"+spec.Version)
}

func (s *Store) tmpPath(spec types.Spec) string {
	return s.bubblePath(spec) + ".tmp"
}

// bubblesIndexKey is the set of every built bubble's spec key, under the
// store's namespace like the rest of its keys.
func (s *Store) bubblesIndexKey() string {
	if s.ks.Namespace == "" {
		return "bubbles:index"
	}
	return s.ks.Namespace + ":bubbles:index"
}

// Build constructs the bubble for spec. On any failure the temporary
// tree is removed and no Metadata Cache write is left committed —
// callers never observe a partially built bubble or an orphaned cache
// record.
func (s *Store) Build(ctx context.Context, spec types.Spec) (*types.BubbleRecord, error) {
	spec = spec.Canonical()
	log := obslog.WithSpec(spec.String())

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BubbleBuildDuration)

	if s.strategy == types.StableMain {
		// stable-main leaves the main environment as the sole provider
		// of its active version; only non-active versions are bubbled.
		active, err := s.ActiveVersion(spec.Name)
		if err != nil {
			return nil, err
		}
		if active == spec.Version {
			metrics.BubbleBuildsTotal.WithLabelValues("failure").Inc()
			return nil, omnierr.New(omnierr.SpecInvalid,
				spec.String()+" is the active main-environment version; stable-main leaves it unbubbled")
		}
	}

	lock, err := acquireBuildLock(s.baseDir)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	tmp := s.tmpPath(spec)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, omnierr.Build(omnierr.BuildDisk, "cannot clear stale temp tree", err)
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, omnierr.Build(omnierr.BuildDisk, "cannot create temp tree", err)
	}

	record, err := s.assemble(ctx, spec, tmp)
	if err != nil {
		os.RemoveAll(tmp)
		metrics.BubbleBuildsTotal.WithLabelValues("failure").Inc()
		log.Error().Err(err).Msg("bubble build failed, temp tree removed")
		return nil, err
	}
	record.RootPath = s.bubblePath(spec)

	// The manifest goes to the Metadata Cache before the tree is
	// renamed into place; the rename is the single commit point.
	if err := s.persist(record); err != nil {
		os.RemoveAll(tmp)
		s.purgeRecord(spec)
		metrics.BubbleBuildsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	final := s.bubblePath(spec)
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(tmp)
		s.purgeRecord(spec)
		metrics.BubbleBuildsTotal.WithLabelValues("failure").Inc()
		return nil, omnierr.Build(omnierr.BuildDisk, "cannot clear stale final tree", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		s.purgeRecord(spec)
		metrics.BubbleBuildsTotal.WithLabelValues("failure").Inc()
		return nil, omnierr.Build(omnierr.BuildDisk, "cannot commit bubble (rename failed)", err)
	}

	metrics.BubbleBuildsTotal.WithLabelValues("success").Inc()
	log.Info().Str("root", final).Msg("bubble built")
	return record, nil
}

// assemble installs spec and its dependency closure into tmp and
// returns the resulting (unpersisted, unrenamed) BubbleRecord.
func (s *Store) assemble(ctx context.Context, spec types.Spec, tmp string) (*types.BubbleRecord, error) {
	stagingDir, declaredDeps, err := s.installer.Install(ctx, spec)
	if err != nil {
		return nil, omnierr.Build(omnierr.BuildInstall, "installer failed for "+spec.String(), err)
	}
	if err := foldInto(stagingDir, tmp, s.ignore); err != nil {
		return nil, omnierr.Build(omnierr.BuildDisk, "cannot fold distribution into bubble tree", err)
	}

	constrainedDeps, applied := ApplyConstraints(spec.Name, spec.Version, declaredDeps)

	installedDeps, err := s.installClosure(ctx, constrainedDeps, tmp, map[string]bool{spec.Key(): true})
	if err != nil {
		return nil, err
	}

	manifest, totalSize, err := s.buildManifest(tmp)
	if err != nil {
		return nil, omnierr.Build(omnierr.BuildChecksum, "cannot checksum bubble tree", err)
	}

	return &types.BubbleRecord{
		Spec:               spec,
		FileManifest:       toFileEntries(manifest),
		TotalSize:          totalSize,
		CreatedAt:          time.Now(),
		ChecksumOfManifest: manifestChecksum(manifest),
		DeclaredDeps:       constrainedDeps,
		InstalledDeps:      installedDeps,
		ConstraintsApplied: applied,
	}, nil
}

// installClosure walks the dependency worklist breadth-first, resolving
// each constraint to a concrete spec, installing it into the same
// bubble tree if not already present, and folding in its own
// dependencies in turn. visited is keyed by spec.Key() to avoid
// re-installing a dependency reachable by more than one path.
func (s *Store) installClosure(ctx context.Context, constraints []string, tmp string, visited map[string]bool) ([]types.Spec, error) {
	var installed []types.Spec
	queue := append([]string(nil), constraints...)

	for len(queue) > 0 {
		constraint := queue[0]
		queue = queue[1:]

		depSpec, err := s.installer.Resolve(ctx, constraint)
		if err != nil {
			return nil, omnierr.Build(omnierr.BuildInstall, "cannot resolve dependency "+constraint, err)
		}
		depSpec = depSpec.Canonical()
		if visited[depSpec.Key()] {
			continue
		}
		visited[depSpec.Key()] = true

		stagingDir, declaredDeps, err := s.installer.Install(ctx, depSpec)
		if err != nil {
			return nil, omnierr.Build(omnierr.BuildInstall, "installer failed for dependency "+depSpec.String(), err)
		}
		if err := foldInto(stagingDir, tmp, s.ignore); err != nil {
			return nil, omnierr.Build(omnierr.BuildDisk, "cannot fold dependency "+depSpec.String(), err)
		}

		installed = append(installed, depSpec)
		queue = append(queue, declaredDeps...)
	}
	return installed, nil
}

// foldInto copies every file under src into dst (creating dst if
// absent), excluding ignore patterns, via a tar pipe rather than a
// recursive os.Copy — the same technique the moby archive package uses
// to fold container image layers onto a root filesystem, applied here
// to fold an installer's staging output onto a bubble tree.
func foldInto(src, dst string, ignore []string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	rc, err := archive.TarWithOptions(src, &archive.TarOptions{
		ExcludePatterns: ignore,
	})
	if err != nil {
		return fmt.Errorf("tar %s: %w", src, err)
	}
	defer rc.Close()

	if err := archive.Untar(rc, dst, &archive.TarOptions{}); err != nil {
		return fmt.Errorf("untar into %s: %w", dst, err)
	}
	return nil
}

// buildManifest walks root, checksumming every regular file and
// deduplicating it against the main environment's copy at the same
// relative path when one exists and hardlinks are usable.
func (s *Store) buildManifest(root string) ([]manifestEntry, int64, error) {
	pm, err := patternmatcher.New(s.ignore)
	if err != nil {
		return nil, 0, err
	}

	var entries []manifestEntry
	var total int64

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if skip, _ := pm.Matches(rel); skip {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		checksum, err := checksumFile(path)
		if err != nil {
			return err
		}

		hardlinked := false
		if s.mainSiteDir != "" {
			mainPath := filepath.Join(s.mainSiteDir, rel)
			hardlinked, err = dedupeAgainstMain(path, mainPath, checksum)
			if err != nil {
				return err
			}
		}

		entries = append(entries, manifestEntry{RelPath: rel, Checksum: checksum, Size: info.Size(), Hardlink: hardlinked})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func toFileEntries(entries []manifestEntry) []types.FileEntry {
	out := make([]types.FileEntry, len(entries))
	for i, e := range entries {
		out[i] = types.FileEntry{RelPath: e.RelPath, Checksum: e.Checksum, Size: e.Size, Hardlink: e.Hardlink}
	}
	return out
}

// persist writes record's manifest and indexes to the Metadata Cache.
func (s *Store) persist(record *types.BubbleRecord) error {
	spec := record.Spec
	hashKey := s.ks.BubbleHashKey(spec.Name, spec.Version)

	declaredDeps, err := json.Marshal(record.DeclaredDeps)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "cannot encode declared deps", err)
	}
	installedDeps, err := json.Marshal(record.InstalledDeps)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "cannot encode installed deps", err)
	}
	constraintsApplied, err := json.Marshal(record.ConstraintsApplied)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "cannot encode constraints applied", err)
	}

	fields := map[string]string{
		"root_path":            record.RootPath,
		"total_size":           fmt.Sprintf("%d", record.TotalSize),
		"created_at":           record.CreatedAt.Format(time.RFC3339Nano),
		"checksum_of_manifest": record.ChecksumOfManifest,
		"declared_deps":        string(declaredDeps),
		"installed_deps":       string(installedDeps),
		"constraints_applied":  string(constraintsApplied),
	}
	if err := s.cacheStore.HSet(hashKey, fields); err != nil {
		return err
	}

	bubbleID := cache.BubbleID(spec.Name, spec.Version)
	for _, fe := range record.FileManifest {
		if err := s.cacheStore.Set(s.ks.FileChecksumKey(bubbleID, fe.RelPath), fe.Checksum); err != nil {
			return err
		}
	}

	if err := s.cacheStore.SAdd(s.ks.VersionsSetKey(spec.Name), spec.Version); err != nil {
		return err
	}
	if err := s.cacheStore.SAdd(s.bubblesIndexKey(), spec.Key()); err != nil {
		return err
	}
	return nil
}

// purgeRecord undoes persist after a later build step fails, so the
// cache never retains a record for a tree that doesn't exist.
func (s *Store) purgeRecord(spec types.Spec) {
	hashKey := s.ks.BubbleHashKey(spec.Name, spec.Version)
	_ = s.cacheStore.Delete(hashKey)
	bubbleID := cache.BubbleID(spec.Name, spec.Version)
	if keys, err := s.cacheStore.Scan(s.ks.FilePrefix(bubbleID)); err == nil && len(keys) > 0 {
		_ = s.cacheStore.Delete(keys...)
	}
	removeFromSet(s.cacheStore, s.ks.VersionsSetKey(spec.Name), spec.Version)
	removeFromSet(s.cacheStore, s.bubblesIndexKey(), spec.Key())
}

// removeFromSet deletes one member from a set key built only from
// Add/Members/Delete — the Metadata Cache's capability set has no
// srem primitive, so removal reads the full set, drops the key, and
// re-adds every remaining member.
func removeFromSet(store cache.Store, key, member string) {
	members, err := store.SMembers(key)
	if err != nil {
		return
	}
	remaining := members[:0]
	for _, m := range members {
		if m != member {
			remaining = append(remaining, m)
		}
	}
	_ = store.Delete(key)
	if len(remaining) > 0 {
		_ = store.SAdd(key, remaining...)
	}
}

// Verify re-hashes every file listed in spec's stored manifest,
// reporting any mismatch, missing entry, or extra entry.
func (s *Store) Verify(spec types.Spec) ([]string, error) {
	spec = spec.Canonical()
	record, err := s.load(spec)
	if err != nil {
		return nil, err
	}

	var reasons []string
	seen := make(map[string]bool, len(record.FileManifest))
	for _, fe := range record.FileManifest {
		seen[fe.RelPath] = true
		path := filepath.Join(record.RootPath, fe.RelPath)
		actual, err := checksumFile(path)
		if os.IsNotExist(err) {
			reasons = append(reasons, fmt.Sprintf("missing: %s", fe.RelPath))
			continue
		}
		if err != nil {
			return nil, omnierr.Build(omnierr.BuildChecksum, "verify checksum read", err)
		}
		if actual != fe.Checksum {
			reasons = append(reasons, fmt.Sprintf("mismatch: %s", fe.RelPath))
		}
	}

	err = filepath.Walk(record.RootPath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(record.RootPath, path)
		if !seen[rel] {
			reasons = append(reasons, fmt.Sprintf("extra: %s", rel))
		}
		return nil
	})
	if err != nil {
		return nil, omnierr.Build(omnierr.BuildChecksum, "verify walk", err)
	}

	if len(reasons) > 0 {
		metrics.BubbleVerifyFailuresTotal.Inc()
	}
	return reasons, nil
}

// Delete removes spec's tree and every key recorded for it. Idempotent:
// deleting an already-absent bubble is not an error.
func (s *Store) Delete(spec types.Spec) error {
	spec = spec.Canonical()
	path := s.bubblePath(spec)
	if err := os.RemoveAll(path); err != nil {
		return omnierr.Build(omnierr.BuildDisk, "cannot remove bubble tree", err)
	}
	s.purgeRecord(spec)
	return nil
}

// List returns every bubble recorded in the Metadata Cache.
func (s *Store) List() ([]*types.BubbleRecord, error) {
	keys, err := s.cacheStore.SMembers(s.bubblesIndexKey())
	if err != nil {
		return nil, err
	}
	var out []*types.BubbleRecord
	for _, key := range keys {
		name, version, ok := splitSpecKey(key)
		if !ok {
			continue
		}
		record, err := s.load(types.Spec{Name: name, Version: version})
		if err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func splitSpecKey(key string) (name, version string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// ActiveVersion returns the version currently recorded as active in the
// main environment for name, or "" when none is recorded.
func (s *Store) ActiveVersion(name string) (string, error) {
	return s.cacheStore.Get(s.ks.ActiveKey(name))
}

// MarkActive records spec's version as the one active in the main
// environment. Under stable-main the main environment is never altered,
// so the recorded active version cannot be moved either; only the
// multiversion strategy may retarget it.
func (s *Store) MarkActive(spec types.Spec) error {
	spec = spec.Canonical()
	if s.strategy == types.StableMain {
		return omnierr.New(omnierr.SpecInvalid,
			"stable-main never alters the main environment; cannot retarget the active version")
	}
	return s.cacheStore.Set(s.ks.ActiveKey(spec.Name), spec.Version)
}

// Locate returns the root directory of spec's built bubble, so other
// components (the Worker Supervisor, chiefly) can point a resolver at
// it without reaching into the Metadata Cache themselves.
func (s *Store) Locate(spec types.Spec) (string, error) {
	record, err := s.load(spec.Canonical())
	if err != nil {
		return "", err
	}
	return record.RootPath, nil
}

// load reconstructs a BubbleRecord from the Metadata Cache.
func (s *Store) load(spec types.Spec) (*types.BubbleRecord, error) {
	hashKey := s.ks.BubbleHashKey(spec.Name, spec.Version)
	fields, err := s.cacheStore.HGetAll(hashKey)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, omnierr.New(omnierr.NotInstalled, "no bubble recorded for "+spec.String())
	}

	bubbleID := cache.BubbleID(spec.Name, spec.Version)
	fileKeys, err := s.cacheStore.Scan(s.ks.FilePrefix(bubbleID))
	if err != nil {
		return nil, err
	}
	prefix := s.ks.FilePrefix(bubbleID)
	manifest := make([]types.FileEntry, 0, len(fileKeys))
	for _, k := range fileKeys {
		rel := k[len(prefix):]
		checksum, err := s.cacheStore.Get(k)
		if err != nil {
			return nil, err
		}
		manifest = append(manifest, types.FileEntry{RelPath: rel, Checksum: checksum})
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	var totalSize int64
	fmt.Sscanf(fields["total_size"], "%d", &totalSize)

	return &types.BubbleRecord{
		Spec:               spec,
		RootPath:           fields["root_path"],
		FileManifest:       manifest,
		TotalSize:          totalSize,
		CreatedAt:          createdAt,
		ChecksumOfManifest: fields["checksum_of_manifest"],
	}, nil
}
