/*
Package types defines the core data structures shared across omnipkgd's
components: the spec identity every other package keys on, the bubble
and package records held in the metadata cache, the cloaked-entry and
worker bookkeeping the activation loader and worker supervisor carry at
runtime, and the wire shapes of the worker protocol.

All types here are plain data: no behavior beyond canonicalization and
simple accessors lives in this package, so every other component can
import it without pulling in cache, filesystem, or process concerns.
*/
package types

import (
	"strings"
	"time"

	"github.com/omnipkg/omnipkgd/pkg/omnierr"
)

// Spec is the sole identity of a bubble and the sole key for routing a
// request to a worker: a canonical (name, version) pair.
type Spec struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Canonical returns s with its name lowercased, underscores replaced by
// hyphens, and surrounding whitespace stripped. Version is trimmed only;
// version strings are not case-folded.
func (s Spec) Canonical() Spec {
	name := strings.ToLower(strings.TrimSpace(s.Name))
	name = strings.ReplaceAll(name, "_", "-")
	return Spec{
		Name:    name,
		Version: strings.TrimSpace(s.Version),
	}
}

// String renders the spec as "name==version", the form the daemon's
// external interfaces accept.
func (s Spec) String() string {
	return s.Name + "==" + s.Version
}

// Key returns the metadata-cache key fragment for this spec: "name:version".
func (s Spec) Key() string {
	return s.Name + ":" + s.Version
}

// ParseSpec parses the "name==version" form String renders, returning
// the result already canonicalized.
func ParseSpec(s string) (Spec, error) {
	name, version, ok := strings.Cut(s, "==")
	if !ok || name == "" || version == "" {
		return Spec{}, omnierr.New(omnierr.SpecInvalid, "malformed spec "+s+", want name==version")
	}
	return Spec{Name: name, Version: version}.Canonical(), nil
}

// InstallStrategy governs Bubble Store policy on name collisions with
// the main environment. Only the two documented modes exist; a third,
// undocumented mode implied by some upstream code paths is deliberately
// not implemented here (see DESIGN.md Open Questions).
type InstallStrategy string

const (
	// StableMain never alters the main environment; every non-main
	// version is bubbled.
	StableMain InstallStrategy = "stable-main"
	// Multiversion bubbles every installed version, including the one
	// that would otherwise live in the main environment.
	Multiversion InstallStrategy = "multiversion"
)

// FileEntry is one row of a bubble's file manifest.
type FileEntry struct {
	RelPath  string `json:"rel_path"`
	Checksum string `json:"checksum"` // hex xxhash64
	Size     int64  `json:"size"`
	Hardlink bool   `json:"hardlink"` // true if deduplicated against the main environment
}

// BubbleRecord is the Metadata Cache's persistent record of one built
// bubble.
type BubbleRecord struct {
	Spec               Spec              `json:"spec"`
	RootPath           string            `json:"root_path"`
	FileManifest       []FileEntry       `json:"file_manifest"`
	TotalSize          int64             `json:"total_size"`
	CreatedAt          time.Time         `json:"created_at"`
	ChecksumOfManifest string            `json:"checksum_of_manifest"`
	DeclaredDeps       []string          `json:"declared_deps"`
	InstalledDeps      []Spec            `json:"installed_deps"`
	ConstraintsApplied map[string]string `json:"constraints_applied,omitempty"`
}

// PackageRecord summarizes everything known about one package name
// across the main environment and the bubble store.
type PackageRecord struct {
	Name                string   `json:"name"`
	VersionsPresentMain []string `json:"versions_present_in_main"`
	VersionsInBubbles   []string `json:"versions_in_bubbles"`
	ActiveVersion       string   `json:"active_version"`
}

// CloakedEntry is a main-environment path the Activation Loader has
// renamed out of the way for the duration of a scope, with enough
// information to rename it back.
type CloakedEntry struct {
	Name         string `json:"name"`
	OriginalPath string `json:"original_path"`
	CloakedPath  string `json:"cloaked_path"`
}

// WorkerState is the lifecycle state of a supervisor-owned worker.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerBusy     WorkerState = "busy"
	WorkerDead     WorkerState = "dead"
)

// RequestType enumerates the worker protocol's request kinds.
type RequestType string

const (
	RequestExecute    RequestType = "execute"
	RequestGetVersion RequestType = "get_version"
	RequestShutdown   RequestType = "shutdown"
	RequestStatus     RequestType = "status"
)

// Request is one line of the worker/client JSON-line protocol.
type Request struct {
	Type    RequestType `json:"type"`
	Code    string      `json:"code,omitempty"`
	Package string      `json:"package,omitempty"`
	Spec    *Spec       `json:"spec,omitempty"`
}

// Response is one line of the worker/client JSON-line protocol. The
// control channel never carries binary data, only these JSON shapes.
type Response struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout,omitempty"`
	Error   string `json:"error,omitempty"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Handshake is the first line a worker writes on its outbound channel
// before it will accept commands.
type Handshake struct {
	Status  string `json:"status"` // "ready" or "error"
	Message string `json:"message,omitempty"`
}
