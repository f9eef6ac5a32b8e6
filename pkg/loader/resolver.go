/*
Package loader implements the Activation Loader (C3): the subsystem
that momentarily reshapes a host's import resolution so that resolving
a conflicting top-level name returns the bubble's copy instead of the
main environment's, then restores exactly what it changed on exit.

Go has no global, mutable module cache to rewire, so the loader's
hookable surface is the Resolver interface below: any embedding host
supplies an implementation, and pkg/loader/fsresolver ships a reference
one that shadows a filesystem-rooted package tree.
*/
package loader

// Resolver is the pluggable import-resolution surface a host embeds.
// The loader reads and rewrites its search/metadata paths and asks it
// to drop any cached resolution results for a set of names — the
// direct analogue of purging entries from a global module cache, but
// scoped to whatever the resolver itself cached.
type Resolver interface {
	// SearchPaths returns the current ordered list of package search
	// roots. Implementations must return a value the caller may retain
	// and later pass back to SetSearchPaths without aliasing internal
	// state.
	SearchPaths() []string
	SetSearchPaths(paths []string)

	// MetadataPaths returns the current ordered list of distribution-
	// metadata search roots, resolved independently of SearchPaths.
	MetadataPaths() []string
	SetMetadataPaths(paths []string)

	// InvalidateCache purges any cached resolution result for each
	// name in names, so a subsequent resolution re-consults the
	// current search paths instead of returning a stale binding.
	InvalidateCache(names []string)
}
