package firestore

import (
	"context"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type executionRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func newExecutionRepository(client *firestore.Client) *executionRepository {
	return &executionRepository{client: client}
}

func (r *executionRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(prefixed(r.collectionPrefix, "executions"))
}

func (r *executionRepository) Put(ctx context.Context, execution *model.Execution) error {
	if err := execution.ID.Validate(); err != nil {
		return goerr.Wrap(err, "invalid execution ID")
	}
	if _, err := r.collection().Doc(string(execution.ID)).Set(ctx, execution); err != nil {
		return goerr.Wrap(err, "failed to save execution", goerr.V("id", execution.ID))
	}
	return nil
}

func (r *executionRepository) Get(ctx context.Context, id types.ExecutionID) (*model.Execution, error) {
	doc, err := r.collection().Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "execution not found", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get execution", goerr.V("id", id))
	}

	var e model.Execution
	if err := doc.DataTo(&e); err != nil {
		return nil, goerr.Wrap(err, "failed to decode execution", goerr.V("id", id))
	}
	return &e, nil
}

func (r *executionRepository) ListByAutomation(ctx context.Context, automationID types.AutomationID) ([]*model.Execution, error) {
	iter := r.collection().Where("AutomationID", "==", string(automationID)).Documents(ctx)
	defer iter.Stop()

	executions := make([]*model.Execution, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate executions", goerr.V("automation_id", automationID))
		}

		var e model.Execution
		if err := doc.DataTo(&e); err != nil {
			return nil, goerr.Wrap(err, "failed to decode execution", goerr.V("doc_id", doc.Ref.ID))
		}
		executions = append(executions, &e)
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartTime.After(executions[j].StartTime)
	})
	return executions, nil
}
