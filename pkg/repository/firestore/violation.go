package firestore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type violationRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func newViolationRepository(client *firestore.Client) *violationRepository {
	return &violationRepository{client: client}
}

func (r *violationRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(prefixed(r.collectionPrefix, "safeguard_violations"))
}

func (r *violationRepository) Create(ctx context.Context, violation *model.SafeguardViolation) error {
	if _, err := r.collection().Doc(string(violation.ID)).Create(ctx, violation); err != nil {
		return goerr.Wrap(err, "failed to create violation", goerr.V("id", violation.ID))
	}
	return nil
}

func (r *violationRepository) Get(ctx context.Context, id types.ViolationID) (*model.SafeguardViolation, error) {
	doc, err := r.collection().Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "violation not found", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get violation", goerr.V("id", id))
	}

	var v model.SafeguardViolation
	if err := doc.DataTo(&v); err != nil {
		return nil, goerr.Wrap(err, "failed to decode violation", goerr.V("id", id))
	}
	return &v, nil
}

func (r *violationRepository) List(ctx context.Context, filter model.ViolationFilter) ([]*model.SafeguardViolation, error) {
	q := r.collection().Query
	if filter.AutomationID != "" {
		q = q.Where("AutomationID", "==", string(filter.AutomationID))
	}
	if filter.ExecutionID != "" {
		q = q.Where("ExecutionID", "==", string(filter.ExecutionID))
	}
	if filter.UnresolvedOnly {
		q = q.Where("Resolved", "==", false)
	}

	iter := q.OrderBy("Timestamp", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	violations := make([]*model.SafeguardViolation, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate violations")
		}

		var v model.SafeguardViolation
		if err := doc.DataTo(&v); err != nil {
			return nil, goerr.Wrap(err, "failed to decode violation", goerr.V("doc_id", doc.Ref.ID))
		}
		violations = append(violations, &v)
	}
	return violations, nil
}

func (r *violationRepository) Resolve(ctx context.Context, id types.ViolationID, resolution string) (bool, error) {
	ref := r.collection().Doc(string(id))

	changed := false
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(ErrNotFound, "violation not found", goerr.V("id", id))
			}
			return goerr.Wrap(err, "failed to get violation", goerr.V("id", id))
		}

		var v model.SafeguardViolation
		if err := doc.DataTo(&v); err != nil {
			return goerr.Wrap(err, "failed to decode violation", goerr.V("id", id))
		}
		if v.Resolved {
			return nil
		}

		now := time.Now().UTC()
		changed = true
		return tx.Update(ref, []firestore.Update{
			{Path: "Resolved", Value: true},
			{Path: "Resolution", Value: resolution},
			{Path: "ResolvedAt", Value: now},
		})
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}
