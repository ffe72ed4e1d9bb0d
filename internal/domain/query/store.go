// Package query holds the query domain types (stored query records,
// input normalization, result encoding) shared by the Query Service and
// its HTTP surface.
package query

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a StoredQuery.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCompiled   Status = "COMPILED"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether s is a status the worker will never leave.
func (s Status) IsTerminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// ColumnDTO is one column of a query result.
type ColumnDTO struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ResultDTO is the JSON-facing projection of a StoredQuery returned by
// get_query_result/create_query's synchronous path.
type ResultDTO struct {
	Status     Status           `json:"status"`
	SQL        *string          `json:"sql,omitempty"`
	Columns    []ColumnDTO      `json:"columns,omitempty"`
	Rows       []map[string]any `json:"rows,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	TotalPages *int             `json:"totalPages,omitempty"`
	Error      *string          `json:"error,omitempty"`
}

// StoredQuery is a query's full lifecycle record as held by the Query
// Store: its request, its terminal/non-terminal result, and the
// timestamp TTL eviction is computed from.
type StoredQuery struct {
	QueryID        string
	ProjectID      string
	Status         Status
	SQL            *string
	Columns        []ColumnDTO
	Rows           []map[string]any
	Warnings       []string
	TotalPages     *int
	Error          *string
	CreatedAt      time.Time
	RequestPayload map[string]any
}

// ToResult projects a StoredQuery into its JSON-facing ResultDTO.
func (s *StoredQuery) ToResult() ResultDTO {
	return ResultDTO{
		Status:     s.Status,
		SQL:        s.SQL,
		Columns:    s.Columns,
		Rows:       s.Rows,
		Warnings:   s.Warnings,
		TotalPages: s.TotalPages,
		Error:      s.Error,
	}
}

// Store is a TTL-bounded, mutex-guarded map of in-flight and recently
// completed queries. Zero value is not usable; construct with NewStore.
type Store struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]*StoredQuery
}

// NewStore constructs a Store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, now: time.Now, items: map[string]*StoredQuery{}}
}

func (s *Store) isExpired(stored *StoredQuery) bool {
	return s.now().UTC().Sub(stored.CreatedAt) > s.ttl
}

// Get returns (stored, expired). expired=true means stored was evicted
// by this call and is nil; a miss (never existed) returns (nil, false).
func (s *Store) Get(queryID string) (*StoredQuery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[queryID]
	if !ok {
		return nil, false
	}
	if s.isExpired(stored) {
		delete(s.items, queryID)
		return nil, true
	}
	return stored, false
}

// Set inserts or replaces the stored query for its QueryID.
func (s *Store) Set(stored *StoredQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[stored.QueryID] = stored
}

// Update applies apply to the stored query identified by queryID under
// the store's lock, atomically. Returns the updated record, or nil if no
// such query exists.
func (s *Store) Update(queryID string, apply func(*StoredQuery)) *StoredQuery {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[queryID]
	if !ok {
		return nil
	}
	apply(stored)
	return stored
}

// Delete removes the stored query for queryID, if present.
func (s *Store) Delete(queryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, queryID)
}
