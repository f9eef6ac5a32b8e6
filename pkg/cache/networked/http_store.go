/*
Package networked implements the Metadata Cache's optional backend: a
thin adapter over an external networked key-value service reached via
HTTP+JSON. The transport is a minimal HTTP client rather than a driver
for a specific service; this package is the one seam a deployment would
swap for a real client (Redis, etcd, …) without touching any caller of
cache.Store.

The networked backend relies on last-write-wins: unlike the embedded
backend, whose bbolt handle serializes writers, concurrent writers here
race at the remote service and the last write applied wins.
*/
package networked

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/omnipkg/omnipkgd/pkg/cache"
	"github.com/omnipkg/omnipkgd/pkg/metrics"
	"github.com/omnipkg/omnipkgd/pkg/omnierr"
)

// HTTPStore implements cache.Store against an HTTP+JSON endpoint
// exposing the same capability set (the endpoint is expected to expose
// one route per operation, e.g. POST /get, POST /hset).
type HTTPStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStore builds a networked backend pointed at endpoint.
func NewHTTPStore(endpoint string) (*HTTPStore, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, omnierr.Wrap(omnierr.CacheBackendError, "invalid cache endpoint", err)
	}
	return &HTTPStore{
		baseURL: endpoint,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *HTTPStore) call(op string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "encode request", err)
	}
	httpResp, err := s.client.Post(s.baseURL+"/"+op, "application/json", bytes.NewReader(body))
	if err != nil {
		metrics.CacheOpsTotal.WithLabelValues(op, "error").Inc()
		return omnierr.Wrap(omnierr.CacheBackendError, fmt.Sprintf("networked cache unreachable (%s)", op), err)
	}
	defer httpResp.Body.Close()
	metrics.CacheOpsTotal.WithLabelValues(op, "ok").Inc()
	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(httpResp.Body)
		return omnierr.New(omnierr.CacheBackendError, fmt.Sprintf("networked cache error (%s): %s", op, string(data)))
	}
	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "decode response", err)
	}
	return nil
}

func (s *HTTPStore) Get(key string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := s.call("get", map[string]string{"key": key}, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (s *HTTPStore) Set(key, value string) error {
	return s.call("set", map[string]string{"key": key, "value": value}, nil)
}

func (s *HTTPStore) HGet(key, field string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := s.call("hget", map[string]string{"key": key, "field": field}, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (s *HTTPStore) HSet(key string, mapping map[string]string) error {
	return s.call("hset", map[string]any{"key": key, "mapping": mapping}, nil)
}

func (s *HTTPStore) HGetAll(key string) (map[string]string, error) {
	var out struct {
		Mapping map[string]string `json:"mapping"`
	}
	if err := s.call("hgetall", map[string]string{"key": key}, &out); err != nil {
		return nil, err
	}
	if out.Mapping == nil {
		out.Mapping = map[string]string{}
	}
	return out.Mapping, nil
}

func (s *HTTPStore) SAdd(key string, members ...string) error {
	return s.call("sadd", map[string]any{"key": key, "members": members}, nil)
}

func (s *HTTPStore) SMembers(key string) ([]string, error) {
	var out struct {
		Members []string `json:"members"`
	}
	if err := s.call("smembers", map[string]string{"key": key}, &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

func (s *HTTPStore) Delete(keys ...string) error {
	return s.call("delete", map[string]any{"keys": keys}, nil)
}

func (s *HTTPStore) Exists(key string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := s.call("exists", map[string]string{"key": key}, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

func (s *HTTPStore) Scan(prefix string) ([]string, error) {
	var out struct {
		Keys []string `json:"keys"`
	}
	if err := s.call("scan", map[string]string{"prefix": prefix}, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

func (s *HTTPStore) Close() error { return nil }

// Batch returns a no-op pipeline identical in observable behavior to
// issuing the calls directly: each method still round-trips to the
// remote service immediately.
func (s *HTTPStore) Batch() cache.Batch {
	return &httpBatch{store: s}
}

type httpBatch struct {
	store *HTTPStore
}

func (b *httpBatch) Set(key, value string) error { return b.store.Set(key, value) }

func (b *httpBatch) HSet(key string, mapping map[string]string) error {
	return b.store.HSet(key, mapping)
}

func (b *httpBatch) SAdd(key string, members ...string) error { return b.store.SAdd(key, members...) }

func (b *httpBatch) Delete(keys ...string) error { return b.store.Delete(keys...) }

var _ cache.Store = (*HTTPStore)(nil)
