package blobstore

import (
	"context"
	"time"

	"github.com/r3e-network/knowledgecore/internal/errs"
	"github.com/r3e-network/knowledgecore/internal/graph"
	"github.com/r3e-network/knowledgecore/internal/model"
)

// GraphMappingStore persists the virtualRecordId -> documentId row through
// the graph store's own batch-upsert, grounded on the original's
// store_virtual_record_mapping / get_document_id_by_virtual_record_id: both
// go through arango_service.batch_upsert_nodes against
// VIRTUAL_RECORD_TO_DOC_ID_MAPPING rather than a blob-store-internal table,
// so this adapter wraps the same graph.Store the entities processor uses
// instead of introducing a second storage dependency.
type GraphMappingStore struct {
	store graph.Store
}

// NewGraphMappingStore builds a GraphMappingStore over store.
func NewGraphMappingStore(store graph.Store) *GraphMappingStore {
	return &GraphMappingStore{store: store}
}

func (g *GraphMappingStore) Put(ctx context.Context, m model.Mapping) error {
	tx, err := g.store.Begin(ctx)
	if err != nil {
		return errs.Transient("graph_begin", err)
	}
	node := graph.Node{
		Key: m.VirtualRecordID,
		Fields: map[string]any{
			"documentId": m.DocumentID,
			"updatedAt":  m.UpdatedAt,
		},
	}
	if err := g.store.BatchUpsertNodes(ctx, []graph.Node{node}, graph.CollVirtualRecordMappings, tx); err != nil {
		_ = tx.Abort(ctx)
		return errs.Transient("upsert_mapping", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("graph_commit", err)
	}
	return nil
}

func (g *GraphMappingStore) Get(ctx context.Context, virtualRecordID string) (model.Mapping, bool, error) {
	node, found, err := g.store.GetNodeByKey(ctx, graph.CollVirtualRecordMappings, virtualRecordID)
	if err != nil {
		return model.Mapping{}, false, errs.Transient("lookup_mapping", err)
	}
	if !found {
		return model.Mapping{}, false, nil
	}
	m := model.Mapping{VirtualRecordID: virtualRecordID}
	if v, ok := node.Fields["documentId"].(string); ok {
		m.DocumentID = v
	}
	if v, ok := node.Fields["updatedAt"].(time.Time); ok {
		m.UpdatedAt = v
	}
	return m, true, nil
}

var _ MappingStore = (*GraphMappingStore)(nil)
