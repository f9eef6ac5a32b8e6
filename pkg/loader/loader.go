package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/omnipkg/omnipkgd/pkg/cache"
	"github.com/omnipkg/omnipkgd/pkg/metrics"
	"github.com/omnipkg/omnipkgd/pkg/obslog"
	"github.com/omnipkg/omnipkgd/pkg/omnierr"
	"github.com/omnipkg/omnipkgd/pkg/types"
)

// State is a Scope's position in the activation state machine.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateActive    State = "active"
	StateRestoring State = "restoring"
	StateDone      State = "done"
	StateRollback  State = "rollback"
	StateCorrupt   State = "corrupt"
)

// Loader builds activation Scopes against a Resolver and a main
// environment site directory. It is the only component that touches
// the main environment's top-level entries.
type Loader struct {
	resolver    Resolver
	mainSiteDir string
	metaDir     string
	cacheStore  cache.Store
	ks          cache.Keyspace
}

// Config configures a Loader.
type Config struct {
	Resolver    Resolver
	MainSiteDir string // main environment package directory
	MainMetaDir string // main environment distribution-metadata directory
	Cache       cache.Store
	Namespace   string
}

func New(cfg Config) (*Loader, error) {
	if cfg.Resolver == nil {
		return nil, omnierr.New(omnierr.SpecInvalid, "loader requires a resolver")
	}
	if cfg.MainSiteDir == "" {
		return nil, omnierr.New(omnierr.SpecInvalid, "loader requires a main site directory")
	}
	return &Loader{
		resolver:    cfg.Resolver,
		mainSiteDir: cfg.MainSiteDir,
		metaDir:     cfg.MainMetaDir,
		cacheStore:  cfg.Cache,
		ks:          cache.NewKeyspace(cfg.Namespace),
	}, nil
}

// Scope is one activation: the set of changes a single Activate call
// made to the resolver and the main environment, and everything needed
// to undo them exactly.
type Scope struct {
	mu    sync.Mutex
	id    string
	spec  types.Spec
	state State

	loader *Loader

	prevSearchPaths   []string
	prevMetadataPaths []string
	cloaked           []types.CloakedEntry
	conflictNames     []string
}

// State returns the scope's current position in the state machine.
// Safe for concurrent use.
func (s *Scope) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate builds and enters a Scope for spec, given the bubble's root
// directory and distribution-metadata directory (obtained by the
// caller from the Bubble Store). It walks the state machine from IDLE
// through PREPARING to ACTIVE, or to ROLLBACK/DONE on a PREPARING
// failure.
func (l *Loader) Activate(spec types.Spec, bubbleRoot, bubbleMetaDir string) (*Scope, error) {
	spec = spec.Canonical()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ActivationDuration)

	scope := &Scope{
		id:     uuid.NewString(),
		spec:   spec,
		state:  StateIdle,
		loader: l,
	}
	log := obslog.WithScope(scope.id)

	// Snapshot the full current observable state before touching
	// anything — this is what makes re-entrant activation correct:
	// a nested scope's "previous" state is whatever the outer scope
	// already installed, so restoring the nested scope lands back on
	// the outer scope's state, not pre-outer-scope state.
	scope.prevSearchPaths = append([]string(nil), l.resolver.SearchPaths()...)
	scope.prevMetadataPaths = append([]string(nil), l.resolver.MetadataPaths()...)
	scope.state = StatePreparing

	mainEntries, err := listTopLevel(l.mainSiteDir)
	if err != nil {
		return nil, omnierr.Activation(omnierr.StagePreparing, "cannot list main environment", err)
	}
	bubbleEntries, err := listTopLevel(bubbleRoot)
	if err != nil {
		return nil, omnierr.Activation(omnierr.StagePreparing, "cannot list bubble tree", err)
	}

	var conflicts []string
	for name := range bubbleEntries {
		if _, ok := mainEntries[name]; ok {
			conflicts = append(conflicts, name)
		}
	}
	scope.conflictNames = conflicts

	if degenerate, err := l.isAlreadyActive(spec); err != nil {
		return nil, err
	} else if degenerate {
		// Boundary behavior: activating the version already active in
		// main is a no-op beyond bookkeeping — no cloak, no purge, but
		// the search path still gains the bubble root so explicit
		// lookups of the bubble succeed.
		scope.conflictNames = nil
		l.resolver.SetSearchPaths(prepend(scope.prevSearchPaths, bubbleRoot))
		l.resolver.SetMetadataPaths(prepend(scope.prevMetadataPaths, bubbleMetaDir))
		scope.state = StateActive
		metrics.ActivationsTotal.WithLabelValues("active").Inc()
		return scope, nil
	}

	token := uuid.NewString()
	for _, name := range conflicts {
		entry, err := cloakOne(l.mainSiteDir, name, mainEntries[name], "pkg", token)
		if err != nil {
			// PREPARING failed midway: un-rename everything already
			// cloaked before surfacing the error.
			for i := len(scope.cloaked) - 1; i >= 0; i-- {
				_ = uncloakOne(scope.cloaked[i])
			}
			scope.state = StateRollback
			log.Error().Err(err).Str("name", name).Msg("activation rollback after cloak failure")
			scope.state = StateDone
			metrics.ActivationsTotal.WithLabelValues("rollback").Inc()
			return nil, err
		}
		scope.cloaked = append(scope.cloaked, entry)
	}

	l.resolver.SetSearchPaths(prepend(scope.prevSearchPaths, bubbleRoot))
	l.resolver.SetMetadataPaths(prepend(scope.prevMetadataPaths, bubbleMetaDir))
	l.resolver.InvalidateCache(conflicts)

	scope.state = StateActive
	metrics.ActivationsTotal.WithLabelValues("active").Inc()
	metrics.CloakedEntriesActive.Add(float64(len(scope.cloaked)))
	log.Info().Int("cloaked", len(scope.cloaked)).Msg("scope activated")
	return scope, nil
}

// isAlreadyActive reports whether spec's version is the one currently
// recorded as active for its name in the Metadata Cache.
func (l *Loader) isAlreadyActive(spec types.Spec) (bool, error) {
	if l.cacheStore == nil {
		return false, nil
	}
	active, err := l.cacheStore.Get(l.ks.ActiveKey(spec.Name))
	if err != nil {
		return false, omnierr.Wrap(omnierr.CacheBackendError, "cannot read active version", err)
	}
	return active != "" && active == spec.Version, nil
}

// Exit restores everything Activate changed, in reverse order:
// resolver paths first (by value, not re-derived), then module-cache
// invalidation for names loaded from the bubble, then uncloaking.
// Exit is idempotent: calling it again after DONE is a no-op.
func (s *Scope) Exit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDone || s.state == StateCorrupt {
		return nil
	}
	if s.state != StateActive {
		return omnierr.New(omnierr.SpecInvalid, "Exit called on a scope that never reached ACTIVE")
	}

	s.state = StateRestoring
	log := obslog.WithScope(s.id)

	s.loader.resolver.SetSearchPaths(s.prevSearchPaths)
	s.loader.resolver.SetMetadataPaths(s.prevMetadataPaths)
	s.loader.resolver.InvalidateCache(s.conflictNames)

	var unrestored []string
	for i := len(s.cloaked) - 1; i >= 0; i-- {
		entry := s.cloaked[i]
		if err := uncloakOne(entry); err != nil {
			unrestored = append(unrestored, entry.OriginalPath)
		}
	}
	metrics.CloakedEntriesActive.Sub(float64(len(s.cloaked) - len(unrestored)))

	if len(unrestored) > 0 {
		s.state = StateCorrupt
		metrics.ActivationsTotal.WithLabelValues("corrupt").Inc()
		err := omnierr.Corrupt(unrestored, nil)
		log.Error().Strs("unrestored", unrestored).Msg("scope restore left cloak entries unrecovered")
		return err
	}

	s.state = StateDone
	return nil
}

// RecoverStaleCloaks unrolls stale cloak entries in the loader's main
// site directory; see the package-level function of the same name.
func (l *Loader) RecoverStaleCloaks() ([]string, error) {
	return RecoverStaleCloaks(l.mainSiteDir)
}

// RecoverStaleCloaks scans mainSiteDir for cloak entries left by a
// crashed prior run and unrolls every one it finds, so a fresh daemon
// start never inherits hidden main-environment packages. It needs no
// Loader: the reserved cloak suffix alone identifies the entries.
func RecoverStaleCloaks(mainSiteDir string) ([]string, error) {
	entries, err := os.ReadDir(mainSiteDir)
	if err != nil {
		return nil, fmt.Errorf("cannot scan main environment for stale cloaks: %w", err)
	}

	var recovered []string
	for _, e := range entries {
		path := filepath.Join(mainSiteDir, e.Name())
		if !isCloaked(path) {
			continue
		}
		original, ok := originalPathFromCloak(path)
		if !ok {
			continue
		}
		if err := os.Rename(path, original); err != nil {
			return recovered, fmt.Errorf("cannot unroll stale cloak %s: %w", path, err)
		}
		recovered = append(recovered, original)
	}
	return recovered, nil
}

func prepend(paths []string, head string) []string {
	out := make([]string, 0, len(paths)+1)
	out = append(out, head)
	out = append(out, paths...)
	return out
}

// listTopLevel returns the immediate children of dir keyed by their
// top-level package name: directories and single-file modules by their
// base name, and ".dist-info"-suffixed directories by the package name
// portion before "-<version>.dist-info".
func listTopLevel(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		key := topLevelName(name)
		if key == "" {
			continue
		}
		out[key] = filepath.Join(dir, name)
	}
	return out, nil
}

func topLevelName(fileName string) string {
	const distInfoSuffix = ".dist-info"
	if i := indexOfDistInfo(fileName); i >= 0 {
		base := fileName[:i]
		if j := lastDash(base); j >= 0 {
			return base[:j]
		}
		return base
	}
	ext := filepath.Ext(fileName)
	if ext == ".py" || ext == ".so" || ext == ".pyd" {
		return fileName[:len(fileName)-len(ext)]
	}
	if ext == "" {
		return fileName
	}
	return ""
}

func indexOfDistInfo(name string) int {
	const suffix = ".dist-info"
	if len(name) < len(suffix) {
		return -1
	}
	if name[len(name)-len(suffix):] != suffix {
		return -1
	}
	return len(name) - len(suffix)
}

func lastDash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '-' {
			return i
		}
	}
	return -1
}
