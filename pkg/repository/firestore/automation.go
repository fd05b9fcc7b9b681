package firestore

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type automationRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func newAutomationRepository(client *firestore.Client) *automationRepository {
	return &automationRepository{client: client}
}

func (r *automationRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(prefixed(r.collectionPrefix, "automations"))
}

func (r *automationRepository) Create(ctx context.Context, automation *model.Automation) (*model.Automation, error) {
	if err := automation.ID.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid automation ID")
	}

	// Firestore keeps microseconds
	now := time.Now().UTC().Truncate(time.Microsecond)
	created := *automation
	created.CreatedAt = now
	created.UpdatedAt = now

	if _, err := r.collection().Doc(string(created.ID)).Create(ctx, &created); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, goerr.Wrap(err, "automation already exists", goerr.V("id", created.ID))
		}
		return nil, goerr.Wrap(err, "failed to create automation", goerr.V("id", created.ID))
	}

	return &created, nil
}

func (r *automationRepository) Get(ctx context.Context, id types.AutomationID) (*model.Automation, error) {
	doc, err := r.collection().Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "automation not found", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get automation", goerr.V("id", id))
	}

	var a model.Automation
	if err := doc.DataTo(&a); err != nil {
		return nil, goerr.Wrap(err, "failed to decode automation", goerr.V("id", id))
	}
	return &a, nil
}

func (r *automationRepository) List(ctx context.Context) ([]*model.Automation, error) {
	return r.query(ctx, r.collection().Query)
}

func (r *automationRepository) ListByStatus(ctx context.Context, st types.AutomationStatus) ([]*model.Automation, error) {
	return r.query(ctx, r.collection().Where("Status", "==", string(st)))
}

func (r *automationRepository) query(ctx context.Context, q firestore.Query) ([]*model.Automation, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	automations := make([]*model.Automation, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate automations")
		}

		var a model.Automation
		if err := doc.DataTo(&a); err != nil {
			return nil, goerr.Wrap(err, "failed to decode automation", goerr.V("doc_id", doc.Ref.ID))
		}
		automations = append(automations, &a)
	}

	sort.Slice(automations, func(i, j int) bool {
		return automations[i].CreatedAt.Before(automations[j].CreatedAt)
	})
	return automations, nil
}

func (r *automationRepository) Update(ctx context.Context, id types.AutomationID, mutate func(a *model.Automation) error) (*model.Automation, error) {
	ref := r.collection().Doc(string(id))

	var updated model.Automation
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return goerr.Wrap(ErrNotFound, "automation not found", goerr.V("id", id))
			}
			return goerr.Wrap(err, "failed to get automation", goerr.V("id", id))
		}

		var current model.Automation
		if err := doc.DataTo(&current); err != nil {
			return goerr.Wrap(err, "failed to decode automation", goerr.V("id", id))
		}

		createdAt := current.CreatedAt
		if err := mutate(&current); err != nil {
			return err
		}
		current.ID = id
		current.CreatedAt = createdAt
		current.UpdatedAt = time.Now().UTC()

		updated = current
		return tx.Set(ref, &current)
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}
