// Package graph defines the Graph Transaction Store contract of spec.md
// §4.E and §6.1: the narrow surface the entities processor depends on for
// transactional node/edge upserts and lookups. The concrete graph store is
// an external collaborator (spec.md §1); this package also ships an
// in-memory reference implementation used by tests and the grounding for
// how a real adapter should behave.
//
// Ground: infrastructure/database/repository_interface.go and
// generic_repository.go's generic CRUD-helper shape, generalized here from
// Postgres-REST rows to typed node/edge collections.
package graph

import (
	"context"
	"fmt"
	"sync"
)

// Collection names used throughout the entities processor (spec.md §4.E).
// The per-record-type document collections (Files, Mails, Webpages,
// Tickets, Projects, SQLTables, SQLViews) follow schema/arango/documents.py's
// file_record_schema/mail_record_schema/webpage_record_schema/
// ticket_record_schema/project_record_schema/sql_table_record_schema/
// sql_view_record_schema, each linked from its Record by an IS_OF_TYPE edge
// (invariant I1).
const (
	CollRecords               = "records"
	CollFiles                 = "files"
	CollMails                 = "mails"
	CollWebpages              = "webpages"
	CollTickets               = "tickets"
	CollProjects              = "projects"
	CollSQLTables             = "sql_tables"
	CollSQLViews              = "sql_views"
	CollRecordGroups          = "record_groups"
	CollUsers                 = "users"
	CollUserGroups            = "user_groups"
	CollOrgs                  = "orgs"
	CollApps                  = "apps"
	CollIsOfType              = "is_of_type"
	CollRecordRelations       = "record_relations"
	CollBelongsTo             = "belongs_to"
	CollPermission            = "permission"
	CollBelongsToDept         = "belongs_to_department"
	CollVirtualRecordMappings = "virtual_record_mappings"
)

// Relation types for record-relations edges (spec.md I3/I4).
const (
	RelationParentChild = "PARENT_CHILD"
	RelationAttachment  = "ATTACHMENT"
)

// Node is a generic graph node: a document keyed by _key plus arbitrary
// typed fields, upserted by key.
type Node struct {
	Key    string
	Fields map[string]any
}

// Edge is a generic, upsert-on-(from,to) graph edge.
type Edge struct {
	From  string
	To    string
	Attrs map[string]any
}

// Tx is a transaction handle; every write in a single batch from the sync
// engine (spec.md §4.E "Transactional discipline") must go through the same
// Tx so it commits or aborts atomically.
type Tx interface {
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Store is the contract spec.md §6.1 specifies.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	BatchUpsertNodes(ctx context.Context, docs []Node, collection string, tx Tx) error
	BatchCreateEdges(ctx context.Context, edges []Edge, collection string, tx Tx) error

	GetRecordByExternalID(ctx context.Context, connector, externalID string) (*Node, bool, error)
	GetRecordGroupByExternalID(ctx context.Context, connector, externalGroupID string) (*Node, bool, error)
	GetUserByEmail(ctx context.Context, email string) (*Node, bool, error)
	GetUserGroupByExternalID(ctx context.Context, connector, externalGroupID string) (*Node, bool, error)

	// GetNodeByKey is the generic by-key lookup for collections with no
	// dedicated accessor (e.g. the virtualRecordId -> documentId mapping
	// row, spec.md §4.I.3).
	GetNodeByKey(ctx context.Context, collection, key string) (*Node, bool, error)

	CreateRecordRelation(ctx context.Context, parentKey, childKey, relationType string, tx Tx) error
	CreateRecordGroupRelation(ctx context.Context, recordKey, groupKey string, tx Tx) error

	DeleteEdgesTo(ctx context.Context, toKey, collection string) (int, error)
	DeleteEdgesFrom(ctx context.Context, fromKey, collection string) error
	DeleteEdge(ctx context.Context, fromKey, toKey, collection string) (bool, error)

	DeleteRecordByKey(ctx context.Context, key string) error
	DeleteNodesAndEdges(ctx context.Context, keys []string, collection string) error
}

// --- In-memory reference implementation ---

type memTx struct{ aborted, committed bool }

func (t *memTx) Commit(_ context.Context) error { t.committed = true; return nil }
func (t *memTx) Abort(_ context.Context) error  { t.aborted = true; return nil }

// edgeKey uniquely identifies an edge within a collection for upsert
// purposes, per spec.md 6.1 "upsert on (from,to)".
type edgeKey struct{ from, to, collection string }

// MemoryStore is a goroutine-safe, non-durable Store used by tests and as
// living documentation of the contract's semantics.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[string]map[string]Node // collection -> key -> node
	edges map[edgeKey]Edge
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]map[string]Node),
		edges: make(map[edgeKey]Edge),
	}
}

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) { return &memTx{}, nil }

func (s *MemoryStore) BatchUpsertNodes(_ context.Context, docs []Node, collection string, _ Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.nodes[collection]
	if !ok {
		coll = make(map[string]Node)
		s.nodes[collection] = coll
	}
	for _, d := range docs {
		coll[d.Key] = d
	}
	return nil
}

func (s *MemoryStore) BatchCreateEdges(_ context.Context, edges []Edge, collection string, _ Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range edges {
		s.edges[edgeKey{e.From, e.To, collection}] = e
	}
	return nil
}

func (s *MemoryStore) findByField(collection, field, value string) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.nodes[collection]
	if !ok {
		return nil, false
	}
	for _, n := range coll {
		if v, ok := n.Fields[field]; ok {
			if s, ok := v.(string); ok && s == value {
				cp := n
				return &cp, true
			}
		}
	}
	return nil, false
}

func (s *MemoryStore) GetRecordByExternalID(_ context.Context, connector, externalID string) (*Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.nodes[CollRecords]
	for _, n := range coll {
		if n.Fields["connector"] == connector && n.Fields["externalId"] == externalID {
			cp := n
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) GetNodeByKey(_ context.Context, collection, key string) (*Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.nodes[collection]
	if !ok {
		return nil, false, nil
	}
	n, ok := coll[key]
	if !ok {
		return nil, false, nil
	}
	cp := n
	return &cp, true, nil
}

func (s *MemoryStore) GetRecordGroupByExternalID(_ context.Context, connector, externalGroupID string) (*Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.nodes[CollRecordGroups]
	for _, n := range coll {
		if n.Fields["connector"] == connector && n.Fields["externalGroupId"] == externalGroupID {
			cp := n
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*Node, bool, error) {
	n, ok := s.findByField(CollUsers, "email", email)
	return n, ok, nil
}

func (s *MemoryStore) GetUserGroupByExternalID(_ context.Context, connector, externalGroupID string) (*Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.nodes[CollUserGroups]
	for _, n := range coll {
		if n.Fields["connector"] == connector && n.Fields["sourceGroupId"] == externalGroupID {
			cp := n
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) CreateRecordRelation(_ context.Context, parentKey, childKey, relationType string, _ Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edgeKey{parentKey, childKey, CollRecordRelations}] = Edge{
		From: parentKey, To: childKey, Attrs: map[string]any{"type": relationType},
	}
	return nil
}

func (s *MemoryStore) CreateRecordGroupRelation(_ context.Context, recordKey, groupKey string, _ Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edgeKey{recordKey, groupKey, CollBelongsTo}] = Edge{From: recordKey, To: groupKey}
	return nil
}

func (s *MemoryStore) DeleteEdgesTo(_ context.Context, toKey, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.edges {
		if k.collection == collection && k.to == toKey {
			delete(s.edges, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteEdgesFrom(_ context.Context, fromKey, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.edges {
		if k.collection == collection && k.from == fromKey {
			delete(s.edges, k)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteEdge(_ context.Context, fromKey, toKey, collection string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := edgeKey{fromKey, toKey, collection}
	if _, ok := s.edges[k]; !ok {
		return false, nil
	}
	delete(s.edges, k)
	return true, nil
}

func (s *MemoryStore) DeleteRecordByKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes[CollRecords], key)
	return nil
}

// DeleteNodesAndEdges removes the named nodes from collection and every
// edge (in any collection) referencing them, satisfying spec.md §8's "no
// edge references R in any collection" invariant after deletion.
func (s *MemoryStore) DeleteNodesAndEdges(_ context.Context, keys []string, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}
	if coll, ok := s.nodes[collection]; ok {
		for _, k := range keys {
			delete(coll, k)
		}
	}
	for ek := range s.edges {
		if keySet[ek.from] || keySet[ek.to] {
			delete(s.edges, ek)
		}
	}
	return nil
}

// EdgesReferencing returns true if any edge in any collection references
// key, used by tests asserting spec.md §8's post-deletion invariant.
func (s *MemoryStore) EdgesReferencing(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ek := range s.edges {
		if ek.from == key || ek.to == key {
			return true
		}
	}
	return false
}

// NodeCount returns the number of nodes in a collection, for tests.
func (s *MemoryStore) NodeCount(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes[collection])
}

// EdgeCount returns the number of edges in a collection, for tests.
func (s *MemoryStore) EdgeCount(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ek := range s.edges {
		if ek.collection == collection {
			n++
		}
	}
	return n
}

// EdgesFrom returns edges in collection originating at fromKey.
func (s *MemoryStore) EdgesFrom(fromKey, collection string) []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edge
	for ek, e := range s.edges {
		if ek.collection == collection && ek.from == fromKey {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns edges in collection terminating at toKey.
func (s *MemoryStore) EdgesTo(toKey, collection string) []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edge
	for ek, e := range s.edges {
		if ek.collection == collection && ek.to == toKey {
			out = append(out, e)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

// ErrNotImplemented is an error value adapters can return from methods they
// do not support; MemoryStore implements every method and never returns it.
var ErrNotImplemented = fmt.Errorf("graph: not implemented")
