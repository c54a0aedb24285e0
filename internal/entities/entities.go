// Package entities implements the Entities Processor of spec.md §4.G, "the
// heart": five idempotent entry points that turn connector-observed
// records into graph state and record-events messages.
//
// Ground: no single teacher file maps onto this directly (it is the
// spec's own domain logic); the transactional shape — begin, mutate, commit
// or abort on any failure, emit events only after commit — follows the
// teacher's infrastructure/resilience Execute-wrapped external-call
// pattern applied to a graph.Tx instead of an HTTP round trip.
package entities

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/r3e-network/knowledgecore/internal/blobstore"
	"github.com/r3e-network/knowledgecore/internal/errs"
	"github.com/r3e-network/knowledgecore/internal/graph"
	"github.com/r3e-network/knowledgecore/internal/logging"
	"github.com/r3e-network/knowledgecore/internal/messaging"
	"github.com/r3e-network/knowledgecore/internal/model"
)

// externalUserNamespace anchors the stable namespace UUID used to derive
// inactive external users' keys from their email (spec.md §4.G.1.7).
var externalUserNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Well-known synthetic principal keys for anchor-only entity types
// (spec.md §4.G.1.7).
const (
	synthOrgKey            = "synthetic/org"
	synthDomainKeyPrefix   = "synthetic/domain/"
	synthAnyoneKey         = "synthetic/anyone"
	synthAnyoneWithLinkKey = "synthetic/anyone_with_link"
)

// Processor implements the five entry points against a graph.Store and
// publishes through a messaging.Producer. blobs serializes and uploads each
// record through the Blob Storage Transformer (spec.md data flow
// H──(record JSON)──>I──>D) before the record node is upserted; it is
// optional so tests and early wiring can omit it.
type Processor struct {
	store    graph.Store
	producer messaging.Producer
	blobs    *blobstore.Transformer
	log      *logging.Logger
}

// New builds a Processor.
func New(store graph.Store, producer messaging.Producer, blobs *blobstore.Transformer, log *logging.Logger) *Processor {
	if log == nil {
		log = logging.NewFromEnv("entities")
	}
	return &Processor{store: store, producer: producer, blobs: blobs, log: log}
}

// Item is one (Record, Permissions) pair of spec.md §4.G.1's batch input.
type Item struct {
	Record      model.Record
	Permissions []model.Permission
}

// OnNewRecords implements spec.md §4.G.1: upsert-or-reuse each record,
// link it to its parent and group, resolve and write its permission edges,
// and emit one newRecord event per processed record after commit.
func (p *Processor) OnNewRecords(ctx context.Context, batch []Item) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return errs.Transient("graph_begin", err)
	}

	processed := make([]model.Record, 0, len(batch))
	for _, item := range batch {
		rec, err := p.upsertRecordAndLinks(ctx, tx, item.Record, item.Permissions, true)
		if err != nil {
			_ = tx.Abort(ctx)
			return err
		}
		processed = append(processed, rec)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("graph_commit", err)
	}

	for _, rec := range processed {
		p.emit(ctx, messaging.EventNewRecord, rec)
	}
	return nil
}

// OnRecordContentUpdate implements spec.md §4.G.2: the single-item path of
// OnNewRecords, skipping permission re-sync, emitting updateRecord.
func (p *Processor) OnRecordContentUpdate(ctx context.Context, rec model.Record) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return errs.Transient("graph_begin", err)
	}

	updated, err := p.upsertRecordAndLinks(ctx, tx, rec, nil, false)
	if err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("graph_commit", err)
	}

	p.emit(ctx, messaging.EventUpdateRecord, updated)
	return nil
}

// OnRecordMetadataUpdate implements spec.md §4.G.3: upsert the record node
// only, no edges rewritten, emit updateRecord.
func (p *Processor) OnRecordMetadataUpdate(ctx context.Context, rec model.Record) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return errs.Transient("graph_begin", err)
	}

	node := recordToNode(rec)
	if err := p.store.BatchUpsertNodes(ctx, []graph.Node{node}, graph.CollRecords, tx); err != nil {
		_ = tx.Abort(ctx)
		return errs.Transient("upsert_record", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("graph_commit", err)
	}

	p.emit(ctx, messaging.EventUpdateRecord, rec)
	return nil
}

// OnUpdatedRecordPermissions implements spec.md §4.G.4: delete all incoming
// permission edges to the record, then re-insert using the §4.G.1.7
// resolution rules. This is the only permission-mutation path after a
// record's first ingestion.
func (p *Processor) OnUpdatedRecordPermissions(ctx context.Context, rec model.Record, perms []model.Permission) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return errs.Transient("graph_begin", err)
	}

	if _, err := p.store.DeleteEdgesTo(ctx, rec.Key, graph.CollPermission); err != nil {
		_ = tx.Abort(ctx)
		return errs.Transient("delete_permission_edges", err)
	}
	if err := p.resolveAndWritePermissions(ctx, tx, rec.Key, perms); err != nil {
		_ = tx.Abort(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("graph_commit", err)
	}
	return nil
}

// OnRecordDeleted implements spec.md §4.G.5: remove the node and all
// incident edges in one transaction, then emit deleteRecord.
func (p *Processor) OnRecordDeleted(ctx context.Context, recordKey string) error {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return errs.Transient("graph_begin", err)
	}

	if err := p.store.DeleteNodesAndEdges(ctx, []string{recordKey}, graph.CollRecords); err != nil {
		_ = tx.Abort(ctx)
		return errs.Transient("delete_nodes_and_edges", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient("graph_commit", err)
	}

	p.producer.Publish(ctx, messaging.TopicRecordEvents, messaging.Event{
		Type: messaging.EventDeleteRecord,
		Key:  recordKey,
	})
	return nil
}

// upsertRecordAndLinks is the shared core of §4.G.1 and §4.G.2: lookup,
// classify, upsert, parent linkage, group linkage, and (when withPerms)
// permission resolution.
func (p *Processor) upsertRecordAndLinks(ctx context.Context, tx graph.Tx, rec model.Record, perms []model.Permission, withPerms bool) (model.Record, error) {
	existing, found, err := p.store.GetRecordByExternalID(ctx, rec.Connector, rec.ExternalID)
	if err != nil {
		return rec, errs.Transient("lookup_record", err)
	}

	revisionChanged := true
	switch {
	case !found:
		rec.Key = newRecordKey(rec)
		rec.Version = 0
	case existingRevision(existing) != rec.ExternalRevisionID:
		rec.Key = existing.Key
		rec.Version = existingVersion(existing) + 1
	default:
		// Revision unchanged: reuse key and version, skip the node upsert
		// and permission re-sync per spec.md §4.G.1.4, but still run type
		// linkage and parent/group linkage so callers converge.
		rec.Key = existing.Key
		rec.Version = existingVersion(existing)
		revisionChanged = false
	}

	if revisionChanged {
		if err := p.uploadRecordBlob(ctx, &rec); err != nil {
			return rec, err
		}

		node := recordToNode(rec)
		if err := p.store.BatchUpsertNodes(ctx, []graph.Node{node}, graph.CollRecords, tx); err != nil {
			return rec, errs.Transient("upsert_record", err)
		}
	}

	// The type document + IS_OF_TYPE edge (invariant I1) is ensured on every
	// upsert, including a revision-unchanged reprocess, so a record ingested
	// before this was wired self-heals on its next observation.
	if err := p.ensureTypeDocument(ctx, tx, rec); err != nil {
		return rec, err
	}

	if err := p.linkParentAndGroup(ctx, tx, rec); err != nil {
		return rec, err
	}

	if withPerms && revisionChanged {
		if err := p.resolveAndWritePermissions(ctx, tx, rec.Key, perms); err != nil {
			return rec, err
		}
	}

	return rec, nil
}

// uploadRecordBlob implements the H──(record JSON)──>I──>D leg of spec.md's
// data flow: serialize rec and push it through the blob transformer before
// the graph node is upserted, populating VirtualRecordID so retrieval can
// later resolve citation metadata (spec.md §4.J.5) through the same
// indirection. A nil blobs collaborator is tolerated so tests and partial
// wiring can omit it.
func (p *Processor) uploadRecordBlob(ctx context.Context, rec *model.Record) error {
	if p.blobs == nil {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return errs.IntegrityViolation(fmt.Sprintf("marshal record %s: %v", rec.Key, err))
	}
	if _, _, err := p.blobs.Upload(ctx, rec.Key, body, "application/json"); err != nil {
		return errs.Transient("upload_record_blob", err)
	}
	rec.VirtualRecordID = rec.Key
	return nil
}

// ensureTypeDocument implements invariant I1 (spec.md §3, §8 testable
// property #1): every record gets a type-specific document node and exactly
// one IS_OF_TYPE edge to it, grounded on schema/arango/documents.py's
// per-record-type collections (file_record_schema, mail_record_schema,
// webpage_record_schema, ticket_record_schema, project_record_schema,
// sql_table_record_schema, sql_view_record_schema). Record types with no
// dedicated document shape (e.g. FOLDER) are skipped; I1 only binds types
// documents.py actually models. Placeholder parents synthesized by
// linkParentAndGroup do not pass through here and get no type document.
func (p *Processor) ensureTypeDocument(ctx context.Context, tx graph.Tx, rec model.Record) error {
	collection, ok := typeCollectionFor(rec.RecordType)
	if !ok {
		return nil
	}

	doc := graph.Node{Key: rec.Key, Fields: typeDocumentFields(rec)}
	if err := p.store.BatchUpsertNodes(ctx, []graph.Node{doc}, collection, tx); err != nil {
		return errs.Transient("upsert_type_document", err)
	}

	edge := graph.Edge{From: rec.Key, To: rec.Key, Attrs: map[string]any{"recordType": string(rec.RecordType)}}
	if err := p.store.BatchCreateEdges(ctx, []graph.Edge{edge}, graph.CollIsOfType, tx); err != nil {
		return errs.Transient("create_is_of_type_edge", err)
	}
	return nil
}

// typeCollectionFor maps a RecordType to its type-specific document
// collection (schema/arango/documents.py), or false when the type has no
// dedicated document shape and I1 does not apply.
func typeCollectionFor(rt model.RecordType) (string, bool) {
	switch rt {
	case model.RecordTypeFile, model.RecordTypeDrive:
		return graph.CollFiles, true
	case model.RecordTypeMail, model.RecordTypeMessage:
		return graph.CollMails, true
	case model.RecordTypeWebpage:
		return graph.CollWebpages, true
	case model.RecordTypeTicket:
		return graph.CollTickets, true
	case model.RecordTypeProject:
		return graph.CollProjects, true
	case model.RecordTypeSQLTable:
		return graph.CollSQLTables, true
	case model.RecordTypeSQLView:
		return graph.CollSQLViews, true
	default:
		return "", false
	}
}

// typeDocumentFields builds the type-specific document fields
// (schema/arango/documents.py's per-type schemas), duplicating the subset
// of Record relevant to that type onto its IS_OF_TYPE target.
func typeDocumentFields(rec model.Record) map[string]any {
	switch rec.RecordType {
	case model.RecordTypeFile, model.RecordTypeDrive:
		return map[string]any{
			"orgId":        rec.OrgKey,
			"name":         rec.Name,
			"isFile":       rec.IsFile,
			"extension":    rec.Extension,
			"mimeType":     rec.MimeType,
			"sizeInBytes":  rec.Size,
			"md5Checksum":  rec.Hashes.MD5,
			"sha1Hash":     rec.Hashes.SHA1,
			"sha256Hash":   rec.Hashes.SHA256,
			"quickXorHash": rec.Hashes.QuickXor,
			"crc32Hash":    rec.Hashes.CRC32,
		}
	case model.RecordTypeMail, model.RecordTypeMessage:
		return map[string]any{
			"threadId": rec.ParentExternalID,
			"isParent": rec.ParentExternalID == "",
			"subject":  rec.Name,
			"webUrl":   rec.WebURL,
		}
	case model.RecordTypeWebpage:
		return map[string]any{"orgId": rec.OrgKey, "domain": rec.WebURL}
	case model.RecordTypeTicket, model.RecordTypeProject:
		return map[string]any{"orgId": rec.OrgKey, "name": rec.Name}
	case model.RecordTypeSQLTable, model.RecordTypeSQLView:
		return map[string]any{"orgId": rec.OrgKey, "name": rec.Name}
	default:
		return map[string]any{}
	}
}

// linkParentAndGroup implements spec.md §4.G.1.5-6: parent linkage
// (synthesizing a placeholder parent on demand) and group linkage.
func (p *Processor) linkParentAndGroup(ctx context.Context, tx graph.Tx, rec model.Record) error {
	if rec.ParentExternalID != "" {
		parent, found, err := p.store.GetRecordByExternalID(ctx, rec.Connector, rec.ParentExternalID)
		if err != nil {
			return errs.Transient("lookup_parent", err)
		}
		if !found {
			if rec.ParentRecordType == model.RecordTypeFile && rec.RecordType == model.RecordTypeFile {
				placeholder := graph.Node{
					Key: newKeyFromExternal(rec.Connector, rec.ParentExternalID),
					Fields: map[string]any{
						"connector":  rec.Connector,
						"externalId": rec.ParentExternalID,
						"recordType": string(model.RecordTypeFile),
						"isFile":     false,
						"mimeType":   "application/vnd.folder",
					},
				}
				if err := p.store.BatchUpsertNodes(ctx, []graph.Node{placeholder}, graph.CollRecords, tx); err != nil {
					return errs.Transient("upsert_placeholder_parent", err)
				}
				parentKey := placeholder.Key
				relation := parentChildRelation(rec)
				if err := p.store.CreateRecordRelation(ctx, parentKey, rec.Key, relation, tx); err != nil {
					return errs.Transient("create_record_relation", err)
				}
			}
			// Parent absent and not synthesizable: no edge is created on
			// this pass. Ingesting the parent later does not link it to
			// this child; the edge is created the next time this record is
			// observed with its parent present.
		} else {
			relation := parentChildRelation(rec)
			if err := p.store.CreateRecordRelation(ctx, parent.Key, rec.Key, relation, tx); err != nil {
				return errs.Transient("create_record_relation", err)
			}
		}
	}

	// Invariant I2 ("exactly one BELONGS_TO edge") holds only as long as the
	// connector supplies RecordGroupExternalID on every record; a record
	// observed without one silently gets no BELONGS_TO edge here, so
	// connectors must treat supplying it as a precondition, not an
	// optional field.
	if rec.RecordGroupExternalID != "" {
		group, found, err := p.store.GetRecordGroupByExternalID(ctx, rec.Connector, rec.RecordGroupExternalID)
		if err != nil {
			return errs.Transient("lookup_record_group", err)
		}
		groupKey := ""
		if !found {
			groupKey = newKeyFromExternal(rec.Connector, rec.RecordGroupExternalID)
			node := graph.Node{
				Key: groupKey,
				Fields: map[string]any{
					"connector":       rec.Connector,
					"externalGroupId": rec.RecordGroupExternalID,
				},
			}
			if err := p.store.BatchUpsertNodes(ctx, []graph.Node{node}, graph.CollRecordGroups, tx); err != nil {
				return errs.Transient("upsert_record_group", err)
			}
		} else {
			groupKey = group.Key
		}
		if err := p.store.CreateRecordGroupRelation(ctx, rec.Key, groupKey, tx); err != nil {
			return errs.Transient("create_record_group_relation", err)
		}
	}

	return nil
}

// parentChildRelation picks ATTACHMENT when the child is a FILE attached to
// a MAIL parent, else PARENT_CHILD (spec.md §4.G.1.5b).
func parentChildRelation(rec model.Record) string {
	if rec.RecordType == model.RecordTypeFile && rec.ParentRecordType == model.RecordTypeMail {
		return graph.RelationAttachment
	}
	return graph.RelationParentChild
}

// resolveAndWritePermissions implements spec.md §4.G.1.7: resolve each
// principal and write the permission edge principal -> record.
func (p *Processor) resolveAndWritePermissions(ctx context.Context, tx graph.Tx, recordKey string, perms []model.Permission) error {
	edges := make([]graph.Edge, 0, len(perms))
	for _, perm := range perms {
		principalKey, err := p.resolvePrincipal(ctx, tx, perm)
		if err != nil {
			return err
		}
		edges = append(edges, graph.Edge{
			From: principalKey,
			To:   recordKey,
			Attrs: map[string]any{
				"type":       string(perm.Type),
				"entityType": string(perm.EntityType),
			},
		})
	}
	if len(edges) == 0 {
		return nil
	}
	if err := p.store.BatchCreateEdges(ctx, edges, graph.CollPermission, tx); err != nil {
		return errs.Transient("create_permission_edges", err)
	}
	return nil
}

// resolvePrincipal maps a Permission's principal description to a graph
// node key, creating inactive external users on demand (spec.md §4.G.1.7).
func (p *Processor) resolvePrincipal(ctx context.Context, tx graph.Tx, perm model.Permission) (string, error) {
	switch perm.EntityType {
	case model.EntityTypeUser:
		user, found, err := p.store.GetUserByEmail(ctx, perm.Email)
		if err != nil {
			return "", errs.Transient("lookup_user", err)
		}
		if found {
			return user.Key, nil
		}
		key := externalUserKey(perm.Email)
		node := graph.Node{
			Key: key,
			Fields: map[string]any{
				"email":  perm.Email,
				"active": false,
			},
		}
		if err := p.store.BatchUpsertNodes(ctx, []graph.Node{node}, graph.CollUsers, tx); err != nil {
			return "", errs.Transient("upsert_inactive_user", err)
		}
		return key, nil

	case model.EntityTypeGroup:
		group, found, err := p.store.GetUserGroupByExternalID(ctx, "", perm.ExternalID)
		if err != nil {
			return "", errs.Transient("lookup_user_group", err)
		}
		if found {
			return group.Key, nil
		}
		return newKeyFromExternal("group", perm.ExternalID), nil

	case model.EntityTypeOrg:
		return synthOrgKey, nil
	case model.EntityTypeDomain:
		return synthDomainKeyPrefix + perm.ExternalID, nil
	case model.EntityTypeAnyone:
		return synthAnyoneKey, nil
	case model.EntityTypeAnyoneWithLink:
		return synthAnyoneWithLinkKey, nil
	default:
		return "", errs.IntegrityViolation(fmt.Sprintf("unknown permission entity type %q", perm.EntityType))
	}
}

// externalUserKey derives a stable key for an inactive external user from
// a namespace UUID over their email (spec.md §4.G.1.7).
func externalUserKey(email string) string {
	return "user/" + uuid.NewSHA1(externalUserNamespace, []byte(email)).String()
}

// newRecordKey mints a fresh key for a never-seen record.
func newRecordKey(rec model.Record) string {
	return newKeyFromExternal(rec.Connector, rec.ExternalID)
}

// newKeyFromExternal derives a deterministic key from (connector,
// externalID) so repeated observations of the same external entity
// converge on the same key without a lookup round-trip.
func newKeyFromExternal(connector, externalID string) string {
	sum := sha256.Sum256([]byte(connector + "/" + externalID))
	return fmt.Sprintf("%x", sum[:16])
}

func recordToNode(rec model.Record) graph.Node {
	return graph.Node{
		Key: rec.Key,
		Fields: map[string]any{
			"connector":            rec.Connector,
			"connectorInstanceKey": rec.ConnectorInstanceKey,
			"externalId":           rec.ExternalID,
			"externalRevisionId":   rec.ExternalRevisionID,
			"recordType":           string(rec.RecordType),
			"name":                 rec.Name,
			"version":              rec.Version,
			"mimeType":             rec.MimeType,
			"isFile":               rec.IsFile,
			"virtualRecordId":      rec.VirtualRecordID,
			"indexingStatus":       string(rec.IndexingStatus),
			"extractionStatus":     string(rec.ExtractionStatus),
		},
	}
}

func existingRevision(n *graph.Node) string {
	if n == nil {
		return ""
	}
	if v, ok := n.Fields["externalRevisionId"].(string); ok {
		return v
	}
	return ""
}

func existingVersion(n *graph.Node) int64 {
	if n == nil {
		return -1
	}
	switch v := n.Fields["version"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func (p *Processor) emit(ctx context.Context, eventType messaging.EventType, rec model.Record) {
	err := p.producer.Publish(ctx, messaging.TopicRecordEvents, messaging.Event{
		Type:   eventType,
		Key:    rec.Key,
		OrgKey: rec.OrgKey,
		Payload: rec.ToKafkaRecord(),
	})
	if err != nil {
		// The graph write already committed; a messaging failure here must
		// not be treated as a processing failure, only logged.
		p.log.WithContext(ctx).WithField("record_key", rec.Key).WithError(err).Error("failed to publish record event")
	}
}
