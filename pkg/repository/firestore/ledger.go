package firestore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"google.golang.org/api/iterator"
)

// defaultImportChunkSize keeps each import transaction below the 500 write limit
const defaultImportChunkSize = 400

type ledgerRepository struct {
	client           *firestore.Client
	collectionPrefix string
	chunkSize        int
}

// notificationDoc is the stored form of a ledger row
type notificationDoc struct {
	ID                  string
	UserID              string
	LayerID             int
	SentAt              time.Time
	PushTitle           string
	PushBody            string
	AudienceDescription string
	DeepLink            string
	DedupKey            string
}

func dedupKey(key model.NotificationKey) string {
	return string(key.UserID) + "|" + strconv.FormatInt(key.SentAt.UTC().Unix(), 10)
}

func toNotificationDoc(n *model.UserNotification) *notificationDoc {
	id := n.ID
	if id == "" {
		id = model.NewNotificationID()
	}
	return &notificationDoc{
		ID:                  id,
		UserID:              string(n.UserID),
		LayerID:             int(n.LayerID),
		SentAt:              n.SentAt.UTC(),
		PushTitle:           n.PushTitle,
		PushBody:            n.PushBody,
		AudienceDescription: n.AudienceDescription,
		DeepLink:            n.DeepLink,
		DedupKey:            dedupKey(n.Key()),
	}
}

func (d *notificationDoc) toModel() *model.UserNotification {
	return &model.UserNotification{
		ID:                  d.ID,
		UserID:              types.UserID(d.UserID),
		LayerID:             types.LayerID(d.LayerID),
		SentAt:              d.SentAt.UTC(),
		PushTitle:           d.PushTitle,
		PushBody:            d.PushBody,
		AudienceDescription: d.AudienceDescription,
		DeepLink:            d.DeepLink,
	}
}

func newLedgerRepository(client *firestore.Client) *ledgerRepository {
	return &ledgerRepository{client: client, chunkSize: defaultImportChunkSize}
}

func (r *ledgerRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(prefixed(r.collectionPrefix, "user_notifications"))
}

func (r *ledgerRepository) Record(ctx context.Context, notification *model.UserNotification) error {
	if err := notification.LayerID.Validate(); err != nil {
		return goerr.Wrap(err, "invalid ledger row")
	}

	doc := toNotificationDoc(notification)
	if _, err := r.collection().Doc(doc.ID).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to record notification",
			goerr.V("user_id", notification.UserID), goerr.V("layer_id", notification.LayerID))
	}
	return nil
}

func (r *ledgerRepository) CountByLayersSince(ctx context.Context, userIDs []types.UserID, layers []types.LayerID, since time.Time) (map[types.UserID]int, error) {
	counts := make(map[types.UserID]int)
	if len(userIDs) == 0 || len(layers) == 0 {
		return counts, nil
	}

	layerSet := make(map[int]bool, len(layers))
	for _, l := range layers {
		layerSet[int(l)] = true
	}

	unique := make([]string, 0, len(userIDs))
	seen := make(map[types.UserID]bool, len(userIDs))
	for _, id := range userIDs {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, string(id))
		}
	}

	// Layer is filtered client side so each query needs only the UserID/SentAt composite index
	for i := 0; i < len(unique); i += inQueryLimit {
		end := i + inQueryLimit
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[i:end]

		iter := r.collection().
			Where("UserID", "in", batch).
			Where("SentAt", ">", since.UTC()).
			Documents(ctx)

		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, goerr.Wrap(err, "failed to query ledger",
					goerr.V("batch_start", i), goerr.V("since", since))
			}

			var row notificationDoc
			if err := doc.DataTo(&row); err != nil {
				iter.Stop()
				return nil, goerr.Wrap(err, "failed to decode ledger row", goerr.V("doc_id", doc.Ref.ID))
			}
			if layerSet[row.LayerID] {
				counts[types.UserID(row.UserID)]++
			}
		}
		iter.Stop()
	}

	return counts, nil
}

func (r *ledgerRepository) ListByUser(ctx context.Context, userID types.UserID) ([]*model.UserNotification, error) {
	iter := r.collection().Where("UserID", "==", string(userID)).Documents(ctx)
	defer iter.Stop()

	rows := make([]*model.UserNotification, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate ledger rows", goerr.V("user_id", userID))
		}

		var row notificationDoc
		if err := doc.DataTo(&row); err != nil {
			return nil, goerr.Wrap(err, "failed to decode ledger row", goerr.V("doc_id", doc.Ref.ID))
		}
		rows = append(rows, row.toModel())
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].SentAt.After(rows[j].SentAt)
	})
	return rows, nil
}

// existingDocs returns the documents whose DedupKey is among keys
func (r *ledgerRepository) existingDocs(ctx context.Context, tx *firestore.Transaction, keys []string) (map[string]*firestore.DocumentSnapshot, error) {
	found := make(map[string]*firestore.DocumentSnapshot)
	for i := 0; i < len(keys); i += inQueryLimit {
		end := i + inQueryLimit
		if end > len(keys) {
			end = len(keys)
		}

		q := r.collection().Where("DedupKey", "in", keys[i:end])
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return nil, goerr.Wrap(err, "failed to query ledger by dedup key")
		}
		for _, doc := range docs {
			var row notificationDoc
			if err := doc.DataTo(&row); err != nil {
				return nil, goerr.Wrap(err, "failed to decode ledger row", goerr.V("doc_id", doc.Ref.ID))
			}
			found[row.DedupKey] = doc
		}
	}
	return found, nil
}

// ImportHistorical writes rows in chunks of one transaction each. When a chunk fails, the
// documents of the chunks already committed are deleted again so the import leaves no rows.
func (r *ledgerRepository) ImportHistorical(ctx context.Context, rows []*model.UserNotification) (*model.ImportResult, error) {
	for _, row := range rows {
		if err := row.LayerID.Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid historical row", goerr.V("user_id", row.UserID))
		}
	}

	result := &model.ImportResult{}
	seen := make(map[string]bool, len(rows))
	var written []string

	for start := 0; start < len(rows); start += r.chunkSize {
		end := start + r.chunkSize
		if end > len(rows) {
			end = len(rows)
		}

		docs := make([]*notificationDoc, 0, end-start)
		skippedInBatch := 0
		for _, row := range rows[start:end] {
			doc := toNotificationDoc(row)
			if seen[doc.DedupKey] {
				skippedInBatch++
				continue
			}
			seen[doc.DedupKey] = true
			docs = append(docs, doc)
		}

		var created []string
		var skipped int
		err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			created, skipped = created[:0], 0

			keys := make([]string, len(docs))
			for i, doc := range docs {
				keys[i] = doc.DedupKey
			}
			existing, err := r.existingDocs(ctx, tx, keys)
			if err != nil {
				return err
			}

			for _, doc := range docs {
				if _, exists := existing[doc.DedupKey]; exists {
					skipped++
					continue
				}
				if err := tx.Create(r.collection().Doc(doc.ID), doc); err != nil {
					return goerr.Wrap(err, "failed to insert historical row", goerr.V("user_id", doc.UserID))
				}
				created = append(created, doc.ID)
			}
			return nil
		})
		if err != nil {
			if rerr := r.deleteDocs(context.WithoutCancel(ctx), written); rerr != nil {
				return nil, goerr.Wrap(err, "failed to import historical rows, and rollback failed",
					goerr.V("chunk_start", start), goerr.V("committed", len(written)), goerr.V("rollback_error", rerr.Error()))
			}
			return nil, goerr.Wrap(err, "failed to import historical rows",
				goerr.V("chunk_start", start), goerr.V("rolled_back", len(written)))
		}

		written = append(written, created...)
		result.Inserted += len(created)
		result.DuplicatesSkipped += skipped + skippedInBatch
	}

	return result, nil
}

func (r *ledgerRepository) deleteDocs(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += r.chunkSize {
		end := start + r.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for _, id := range ids[start:end] {
				if err := tx.Delete(r.collection().Doc(id)); err != nil {
					return goerr.Wrap(err, "failed to delete ledger row", goerr.V("doc_id", id))
				}
			}
			return nil
		})
		if err != nil {
			return goerr.Wrap(err, "failed to delete imported rows", goerr.V("chunk_start", start))
		}
	}
	return nil
}

func (r *ledgerRepository) BackfillMissing(ctx context.Context, keys []model.NotificationKey, patch model.NotificationPatch) (int, error) {
	if patch.IsEmpty() || len(keys) == 0 {
		return 0, nil
	}

	dedupKeys := make([]string, len(keys))
	for i, key := range keys {
		dedupKeys[i] = dedupKey(key)
	}

	updated := 0
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		updated = 0
		existing, err := r.existingDocs(ctx, tx, dedupKeys)
		if err != nil {
			return err
		}

		for _, snap := range existing {
			var row notificationDoc
			if err := snap.DataTo(&row); err != nil {
				return goerr.Wrap(err, "failed to decode ledger row", goerr.V("doc_id", snap.Ref.ID))
			}
			n := row.toModel()
			if !patch.Apply(n) {
				continue
			}
			if err := tx.Update(snap.Ref, []firestore.Update{
				{Path: "PushTitle", Value: n.PushTitle},
				{Path: "PushBody", Value: n.PushBody},
				{Path: "AudienceDescription", Value: n.AudienceDescription},
				{Path: "DeepLink", Value: n.DeepLink},
			}); err != nil {
				return goerr.Wrap(err, "failed to backfill ledger row", goerr.V("doc_id", snap.Ref.ID))
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to backfill ledger rows", goerr.V("keys", len(keys)))
	}
	return updated, nil
}
