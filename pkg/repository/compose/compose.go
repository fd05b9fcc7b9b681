// Package compose overlays stores from different backends into one Repository, e.g. automations
// in Firestore with the ledger in PostgreSQL.
package compose

import (
	"errors"
	"io"

	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
)

type Repository struct {
	interfaces.Repository
	ledger      interfaces.LedgerRepository
	cadenceRule interfaces.CadenceRuleRepository
	closers     []io.Closer
}

var _ interfaces.Repository = &Repository{}

type Option func(*Repository)

func WithLedger(ledger interfaces.LedgerRepository) Option {
	return func(r *Repository) { r.ledger = ledger }
}

func WithCadenceRule(rules interfaces.CadenceRuleRepository) Option {
	return func(r *Repository) { r.cadenceRule = rules }
}

// WithCloser registers an extra resource closed together with the base repository
func WithCloser(c io.Closer) Option {
	return func(r *Repository) { r.closers = append(r.closers, c) }
}

func New(base interfaces.Repository, opts ...Option) *Repository {
	r := &Repository{Repository: base}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Ledger() interfaces.LedgerRepository {
	if r.ledger != nil {
		return r.ledger
	}
	return r.Repository.Ledger()
}

func (r *Repository) CadenceRule() interfaces.CadenceRuleRepository {
	if r.cadenceRule != nil {
		return r.cadenceRule
	}
	return r.Repository.CadenceRule()
}

func (r *Repository) Close() error {
	errs := []error{r.Repository.Close()}
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
