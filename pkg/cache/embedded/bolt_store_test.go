package embedded

import "testing"

func TestBoltStoreKV(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	if v, err := s.Get("missing"); err != nil || v != "" {
		t.Fatalf("Get(missing) = (%q, %v), want (\"\", nil)", v, err)
	}

	if err := s.Set("pkg:rich:versions_key", "13.7.1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	v, err := s.Get("pkg:rich:versions_key")
	if err != nil || v != "13.7.1" {
		t.Fatalf("Get() = (%q, %v), want (\"13.7.1\", nil)", v, err)
	}
}

func TestBoltStoreHash(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	if got, err := s.HGetAll("pkg:rich:13.5.3"); err != nil || len(got) != 0 {
		t.Fatalf("HGetAll(missing) = (%v, %v), want empty map", got, err)
	}

	if err := s.HSet("pkg:rich:13.5.3", map[string]string{
		"root_path":  "/bubbles/rich-13.5.3",
		"total_size": "1024",
	}); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}

	got, err := s.HGetAll("pkg:rich:13.5.3")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if got["root_path"] != "/bubbles/rich-13.5.3" || got["total_size"] != "1024" {
		t.Fatalf("HGetAll() = %v, want root_path/total_size set", got)
	}

	if got, err := s.HGet("pkg:rich:13.5.3", "root_path"); err != nil || got != "/bubbles/rich-13.5.3" {
		t.Fatalf("HGet() = (%q, %v)", got, err)
	}
}

func TestBoltStoreSet(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	if err := s.SAdd("pkg:rich:versions", "13.7.1", "13.5.3", "13.4.2"); err != nil {
		t.Fatalf("SAdd() error = %v", err)
	}

	members, err := s.SMembers("pkg:rich:versions")
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	want := map[string]bool{"13.7.1": true, "13.5.3": true, "13.4.2": true}
	if len(members) != len(want) {
		t.Fatalf("SMembers() = %v, want 3 members", members)
	}
	for _, m := range members {
		if !want[m] {
			t.Errorf("unexpected member %q", m)
		}
	}
}

func TestBoltStoreDeleteRemovesHashAndSetEntries(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	if err := s.HSet("pkg:rich:13.5.3", map[string]string{"root_path": "/x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SAdd("pkg:rich:13.5.3", "member-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("pkg:rich:13.5.3", "plain"); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("pkg:rich:13.5.3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if v, _ := s.Get("pkg:rich:13.5.3"); v != "" {
		t.Errorf("kv entry survived delete: %q", v)
	}
	if got, _ := s.HGetAll("pkg:rich:13.5.3"); len(got) != 0 {
		t.Errorf("hash entries survived delete: %v", got)
	}
	if got, _ := s.SMembers("pkg:rich:13.5.3"); len(got) != 0 {
		t.Errorf("set entries survived delete: %v", got)
	}
}

func TestBoltStoreExists(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	if ok, _ := s.Exists("pkg:rich:13.5.3"); ok {
		t.Fatal("Exists() = true before write")
	}
	if err := s.HSet("pkg:rich:13.5.3", map[string]string{"root_path": "/x"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists("pkg:rich:13.5.3"); !ok {
		t.Fatal("Exists() = false after write")
	}
}

func TestBoltStoreScan(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	for _, k := range []string{"pkg:rich:active", "pkg:numpy:active", "other:key"} {
		if err := s.Set(k, "v"); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Scan("pkg:")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Scan(pkg:) = %v, want 2 entries", got)
	}
}

func TestBoltStoreBatchCommitsImmediately(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer s.Close()

	b := s.Batch()
	if err := b.Set("k", "v"); err != nil {
		t.Fatalf("batch Set() error = %v", err)
	}

	// No explicit commit call exists on Batch; the write must already
	// be visible through the parent store.
	if v, err := s.Get("k"); err != nil || v != "v" {
		t.Fatalf("Get() after batch write = (%q, %v), want (\"v\", nil)", v, err)
	}
}
