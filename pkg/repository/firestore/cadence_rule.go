package firestore

import (
	"context"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"google.golang.org/api/iterator"
)

type cadenceRuleRepository struct {
	client           *firestore.Client
	collectionPrefix string
}

func newCadenceRuleRepository(client *firestore.Client) *cadenceRuleRepository {
	return &cadenceRuleRepository{client: client}
}

func (r *cadenceRuleRepository) collection() *firestore.CollectionRef {
	return r.client.Collection(prefixed(r.collectionPrefix, "cadence_rules"))
}

func (r *cadenceRuleRepository) List(ctx context.Context) ([]*model.CadenceRule, error) {
	iter := r.collection().Documents(ctx)
	defer iter.Stop()

	rules := make([]*model.CadenceRule, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate cadence rules")
		}

		var rule model.CadenceRule
		if err := doc.DataTo(&rule); err != nil {
			return nil, goerr.Wrap(err, "failed to decode cadence rule", goerr.V("doc_id", doc.Ref.ID))
		}
		rules = append(rules, &rule)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

func (r *cadenceRuleRepository) Upsert(ctx context.Context, rules []*model.CadenceRule) error {
	if len(rules) == 0 {
		return nil
	}

	now := time.Now().UTC()
	bulkWriter := r.client.BulkWriter(ctx)
	for _, rule := range rules {
		copied := *rule
		copied.UpdatedAt = now
		if _, err := bulkWriter.Set(r.collection().Doc(rule.Name), &copied); err != nil {
			bulkWriter.End()
			return goerr.Wrap(err, "failed to enqueue cadence rule", goerr.V(model.RuleNameKey, rule.Name))
		}
	}
	bulkWriter.End()
	return nil
}
