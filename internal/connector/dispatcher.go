// Dispatcher implements spec.md §4.H's per-entry processing state machine
// and dispatch rules: classify each observed source entry into a
// model.RecordUpdate, then route it to the entities processor's entry
// points, batching new records up to a configurable size.
package connector

import (
	"context"

	"github.com/r3e-network/knowledgecore/internal/entities"
	"github.com/r3e-network/knowledgecore/internal/logging"
	"github.com/r3e-network/knowledgecore/internal/model"
)

// DefaultBatchSize is spec.md §4.H's default for accumulating new records
// before flushing to OnNewRecords.
const DefaultBatchSize = 100

// Dispatcher routes classified RecordUpdates to the entities processor,
// batching new-record flushes.
type Dispatcher struct {
	processor *entities.Processor
	batchSize int
	log       *logging.Logger

	pending []entities.Item
}

// NewDispatcher builds a Dispatcher. batchSize<=0 uses DefaultBatchSize.
func NewDispatcher(processor *entities.Processor, batchSize int, log *logging.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = logging.NewFromEnv("dispatcher")
	}
	return &Dispatcher{processor: processor, batchSize: batchSize, log: log}
}

// Dispatch routes one RecordUpdate per spec.md §4.H's dispatcher rules:
// deletes go straight through, new records accumulate into a batch, and
// updates fan out across whichever of metadata/permissions/content changed
// — sequentially, since all three may fire for the same update.
func (d *Dispatcher) Dispatch(ctx context.Context, ru model.RecordUpdate) error {
	switch {
	case ru.IsDeleted:
		return d.processor.OnRecordDeleted(ctx, ru.Record.Key)

	case ru.IsNew:
		d.pending = append(d.pending, entities.Item{Record: ru.Record, Permissions: ru.NewPermissions})
		if len(d.pending) >= d.batchSize {
			return d.Flush(ctx)
		}
		return nil

	case ru.IsUpdated:
		if ru.MetadataChanged {
			if err := d.processor.OnRecordMetadataUpdate(ctx, ru.Record); err != nil {
				return err
			}
		}
		if ru.PermissionsChanged {
			if err := d.processor.OnUpdatedRecordPermissions(ctx, ru.Record, ru.NewPermissions); err != nil {
				return err
			}
		}
		if ru.ContentChanged {
			if err := d.processor.OnRecordContentUpdate(ctx, ru.Record); err != nil {
				return err
			}
		}
		return nil

	default:
		return nil
	}
}

// Flush forces any accumulated new-record batch through OnNewRecords, even
// if it has not reached batchSize. Callers must call this at the end of a
// sync pass so no pending records are dropped.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if len(d.pending) == 0 {
		return nil
	}
	batch := d.pending
	d.pending = nil
	if err := d.processor.OnNewRecords(ctx, batch); err != nil {
		d.log.WithContext(ctx).WithError(err).Error("failed to flush new-record batch")
		return err
	}
	return nil
}

// Classify implements spec.md §4.H's per-entry state machine: compares an
// observed entry against an existing record (if any) to build the
// normalized RecordUpdate a Dispatcher consumes.
func Classify(observed model.Record, observedPerms []model.Permission, existing *model.Record, existingPerms []model.Permission, isTombstone bool) model.RecordUpdate {
	if isTombstone {
		return model.RecordUpdate{Record: observed, IsDeleted: true}
	}

	ru := model.RecordUpdate{
		Record:           observed,
		ExternalRecordID: observed.ExternalID,
		NewPermissions:   observedPerms,
		OldPermissions:   existingPerms,
	}

	if existing == nil {
		ru.IsNew = true
		return ru
	}

	ru.IsUpdated = true
	if existing.ExternalRevisionID != observed.ExternalRevisionID {
		ru.ContentChanged = true
	}
	if !sameName(existing, &observed) {
		ru.MetadataChanged = true
	}
	if !PermissionSetsEqual(existingPerms, observedPerms) {
		ru.PermissionsChanged = true
	}
	return ru
}

func sameName(a, b *model.Record) bool {
	return a.Name == b.Name
}

// PermissionSetsEqual implements spec.md §4.H's permission-diffing rule:
// two sets are equal iff the multiset of (entity_type,
// external_id_or_email, type) tuples matches.
func PermissionSetsEqual(a, b []model.Permission) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[[3]string]int, len(a))
	for _, p := range a {
		et, id, pt := p.Key()
		counts[[3]string{et, id, pt}]++
	}
	for _, p := range b {
		et, id, pt := p.Key()
		k := [3]string{et, id, pt}
		counts[k]--
		if counts[k] < 0 {
			return false
		}
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}
