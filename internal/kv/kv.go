// Package kv is the persisted key/value store owned by the background service.
//
// Values are JSON documents. The keys mirror the layout the extension UI reads:
// tabData, settings, performanceMetrics, hibernatedTabs and savedTabs.
package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/hpungsan/weaver/internal/db"
	"github.com/hpungsan/weaver/internal/errors"
	"github.com/hpungsan/weaver/internal/tab"
)

// Persisted keys.
const (
	KeyTabData        = "tabData"
	KeySettings       = "settings"
	KeyMetrics        = "performanceMetrics"
	KeyHibernatedTabs = "hibernatedTabs"
	KeySavedTabs      = "savedTabs"
)

// ErrMissing is returned by a Backend when a key has never been written.
var ErrMissing = db.ErrNoValue

// Backend is the raw byte store. Put writes every value atomically.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, values map[string][]byte) error
}

// Store adds JSON encoding and the typed accessors on top of a Backend.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(b Backend) *Store {
	return &Store{backend: b}
}

// NewSQL returns a Store backed by the SQLite kv table.
func NewSQL(conn *sql.DB) *Store {
	return New(sqlBackend{db: conn})
}

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.backend.Get(ctx, key)
	if stderrors.Is(err, ErrMissing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.NewInternal(fmt.Errorf("decode %s: %w", key, err))
	}
	return true, nil
}

// PutJSON encodes every value and writes them together.
func (s *Store) PutJSON(ctx context.Context, values map[string]any) error {
	raw := make(map[string][]byte, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return errors.NewInternal(fmt.Errorf("encode %s: %w", k, err))
		}
		raw[k] = data
	}
	return s.backend.Put(ctx, raw)
}

// LoadTabData returns the persisted metadata map. A missing key yields an empty map.
func (s *Store) LoadTabData(ctx context.Context) (map[int]tab.Record, error) {
	var stored map[string]tab.Record
	if _, err := s.GetJSON(ctx, KeyTabData, &stored); err != nil {
		return nil, err
	}
	records := make(map[int]tab.Record, len(stored))
	for k, r := range stored {
		id, err := strconv.Atoi(k)
		if err != nil {
			// Keys are tab ids; anything else is ignored.
			continue
		}
		r.TabID = id
		records[id] = r
	}
	return records, nil
}

// SaveTabData writes the metadata map and the metrics derived from it in one transaction.
func (s *Store) SaveTabData(ctx context.Context, records map[int]tab.Record, metrics tab.Metrics) error {
	return s.PutJSON(ctx, map[string]any{
		KeyTabData: records,
		KeyMetrics: metrics,
	})
}

// LoadMetrics returns the last persisted metrics snapshot.
func (s *Store) LoadMetrics(ctx context.Context) (tab.Metrics, bool, error) {
	var m tab.Metrics
	ok, err := s.GetJSON(ctx, KeyMetrics, &m)
	return m, ok, err
}

// LoadSettings returns the stored settings overlaid on the defaults.
func (s *Store) LoadSettings(ctx context.Context) (tab.Settings, error) {
	data, err := s.backend.Get(ctx, KeySettings)
	if stderrors.Is(err, ErrMissing) {
		return tab.DefaultSettings(), nil
	}
	if err != nil {
		return tab.DefaultSettings(), err
	}
	settings, err := tab.DecodeSettings(data)
	if err != nil {
		return settings, errors.NewInternal(fmt.Errorf("decode %s: %w", KeySettings, err))
	}
	return settings, nil
}

// SaveSettings validates and persists settings.
func (s *Store) SaveSettings(ctx context.Context, settings tab.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.PutJSON(ctx, map[string]any{KeySettings: settings})
}

// LoadHibernatedTabs returns the hard-hibernation list, oldest first.
func (s *Store) LoadHibernatedTabs(ctx context.Context) ([]tab.HibernatedTab, error) {
	list := []tab.HibernatedTab{}
	if _, err := s.GetJSON(ctx, KeyHibernatedTabs, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []tab.HibernatedTab{}
	}
	return list, nil
}

// SaveHibernatedTabs replaces the hard-hibernation list.
func (s *Store) SaveHibernatedTabs(ctx context.Context, list []tab.HibernatedTab) error {
	if list == nil {
		list = []tab.HibernatedTab{}
	}
	return s.PutJSON(ctx, map[string]any{KeyHibernatedTabs: list})
}

// LoadSavedTabs returns the protected tab ids.
func (s *Store) LoadSavedTabs(ctx context.Context) ([]int, error) {
	ids := []int{}
	if _, err := s.GetJSON(ctx, KeySavedTabs, &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int{}
	}
	return ids, nil
}

// SaveSavedTabs persists the protected tab ids in ascending order.
func (s *Store) SaveSavedTabs(ctx context.Context, ids []int) error {
	sorted := append([]int{}, ids...)
	sort.Ints(sorted)
	return s.PutJSON(ctx, map[string]any{KeySavedTabs: sorted})
}

type sqlBackend struct {
	db *sql.DB
}

func (b sqlBackend) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := db.GetValue(ctx, b.db, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (b sqlBackend) Put(ctx context.Context, values map[string][]byte) error {
	return db.PutValues(ctx, b.db, values)
}

// Memory is an in-process Backend. It counts writes and can be told to fail,
// which makes it useful in tests.
type Memory struct {
	mu      sync.Mutex
	values  map[string][]byte
	puts    int
	failPut error
	failGet error
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	v, ok := m.values[key]
	if !ok {
		return nil, ErrMissing
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	for k, v := range values {
		m.values[k] = append([]byte(nil), v...)
	}
	m.puts++
	return nil
}

// Puts returns how many successful Put calls have happened.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Raw returns the stored bytes for key, or nil.
func (m *Memory) Raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.values[key]...)
}

// FailPuts makes every following Put return err. Pass nil to recover.
func (m *Memory) FailPuts(err error) {
	m.mu.Lock()
	m.failPut = err
	m.mu.Unlock()
}

// FailGets makes every following Get return err. Pass nil to recover.
func (m *Memory) FailGets(err error) {
	m.mu.Lock()
	m.failGet = err
	m.mu.Unlock()
}
