package networked

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkgd/pkg/omnierr"
)

// fakeKVService is an in-memory stand-in for the remote key-value
// service, exposing one route per operation the way HTTPStore expects.
func fakeKVService(t *testing.T) *httptest.Server {
	t.Helper()

	kv := map[string]string{}
	hash := map[string]map[string]string{}
	sets := map[string]map[string]bool{}

	mux := http.NewServeMux()
	decode := func(r *http.Request, into any) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(into))
	}
	reply := func(w http.ResponseWriter, v any) {
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux.HandleFunc("/set", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Key, Value string }
		decode(r, &req)
		kv[req.Key] = req.Value
		reply(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Key string }
		decode(r, &req)
		reply(w, map[string]string{"value": kv[req.Key]})
	})
	mux.HandleFunc("/hset", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key     string
			Mapping map[string]string
		}
		decode(r, &req)
		if hash[req.Key] == nil {
			hash[req.Key] = map[string]string{}
		}
		for f, v := range req.Mapping {
			hash[req.Key][f] = v
		}
		reply(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/hgetall", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Key string }
		decode(r, &req)
		reply(w, map[string]any{"mapping": hash[req.Key]})
	})
	mux.HandleFunc("/sadd", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key     string
			Members []string
		}
		decode(r, &req)
		if sets[req.Key] == nil {
			sets[req.Key] = map[string]bool{}
		}
		for _, m := range req.Members {
			sets[req.Key][m] = true
		}
		reply(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/smembers", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Key string }
		decode(r, &req)
		members := make([]string, 0, len(sets[req.Key]))
		for m := range sets[req.Key] {
			members = append(members, m)
		}
		reply(w, map[string]any{"members": members})
	})
	mux.HandleFunc("/exists", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Key string }
		decode(r, &req)
		_, inKV := kv[req.Key]
		_, inHash := hash[req.Key]
		reply(w, map[string]bool{"exists": inKV || inHash})
	})
	mux.HandleFunc("/delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Keys []string }
		decode(r, &req)
		for _, k := range req.Keys {
			delete(kv, k)
			delete(hash, k)
			delete(sets, k)
		}
		reply(w, map[string]bool{"ok": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStoreRoundTrips(t *testing.T) {
	srv := fakeKVService(t)
	s, err := NewHTTPStore(srv.URL)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("pkg:rich:active", "13.7.1"))
	v, err := s.Get("pkg:rich:active")
	require.NoError(t, err)
	require.Equal(t, "13.7.1", v)

	require.NoError(t, s.HSet("pkg:rich:13.5.3", map[string]string{"root_path": "/bubbles/rich-13.5.3"}))
	fields, err := s.HGetAll("pkg:rich:13.5.3")
	require.NoError(t, err)
	require.Equal(t, "/bubbles/rich-13.5.3", fields["root_path"])

	require.NoError(t, s.SAdd("pkg:rich:versions", "13.5.3", "13.4.2"))
	members, err := s.SMembers("pkg:rich:versions")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"13.5.3", "13.4.2"}, members)

	ok, err := s.Exists("pkg:rich:13.5.3")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Delete("pkg:rich:13.5.3"))
	ok, err = s.Exists("pkg:rich:13.5.3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHTTPStoreMissingKeysAreEmptyNotErrors(t *testing.T) {
	srv := fakeKVService(t)
	s, err := NewHTTPStore(srv.URL)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get("missing")
	require.NoError(t, err)
	require.Empty(t, v)

	fields, err := s.HGetAll("missing")
	require.NoError(t, err)
	require.Empty(t, fields)

	members, err := s.SMembers("missing")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestHTTPStoreUnreachableBackendIsCacheBackendError(t *testing.T) {
	s, err := NewHTTPStore("http://127.0.0.1:1/nope")
	require.NoError(t, err)

	_, err = s.Get("any")
	require.True(t, omnierr.Is(err, omnierr.CacheBackendError),
		"Get() against an unreachable backend should report CacheBackendError, got %v", err)
}

func TestHTTPStoreBatchCommitsImmediately(t *testing.T) {
	srv := fakeKVService(t)
	s, err := NewHTTPStore(srv.URL)
	require.NoError(t, err)
	defer s.Close()

	b := s.Batch()
	require.NoError(t, b.Set("k", "v"))

	v, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}
