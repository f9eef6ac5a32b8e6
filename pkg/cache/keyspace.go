package cache

import "fmt"

// Keyspace namespaces every key this repo writes to a Store, so one
// embedded or networked backend can be shared by multiple omnipkgd
// installations without collision.
type Keyspace struct {
	Namespace string
}

// NewKeyspace builds a Keyspace under the given namespace (empty means
// the default, unprefixed keyspace).
func NewKeyspace(namespace string) Keyspace {
	return Keyspace{Namespace: namespace}
}

func (k Keyspace) prefix() string {
	if k.Namespace == "" {
		return ""
	}
	return k.Namespace + ":"
}

// BubbleHashKey is the hash key holding a bubble record's fields:
// "pkg:<name>:<ver>".
func (k Keyspace) BubbleHashKey(name, version string) string {
	return fmt.Sprintf("%spkg:%s:%s", k.prefix(), name, version)
}

// VersionsSetKey is the set of known versions for a package name:
// "pkg:<name>:versions".
func (k Keyspace) VersionsSetKey(name string) string {
	return fmt.Sprintf("%spkg:%s:versions", k.prefix(), name)
}

// ActiveKey holds the single version considered active in the main
// environment: "pkg:<name>:active".
func (k Keyspace) ActiveKey(name string) string {
	return fmt.Sprintf("%spkg:%s:active", k.prefix(), name)
}

// FileChecksumKey holds one file's checksum within a bubble:
// "file:<bubble_id>:<relpath>".
func (k Keyspace) FileChecksumKey(bubbleID, relPath string) string {
	return fmt.Sprintf("%sfile:%s:%s", k.prefix(), bubbleID, relPath)
}

// FilePrefix is the scan prefix for every file-checksum key belonging
// to a bubble, used by Delete to remove a bubble's manifest entries.
func (k Keyspace) FilePrefix(bubbleID string) string {
	return fmt.Sprintf("%sfile:%s:", k.prefix(), bubbleID)
}

// BubbleID is the canonical identifier used as the bubble_id component
// of file checksum keys: "<name>-<version>".
func BubbleID(name, version string) string {
	return name + "-" + version
}
