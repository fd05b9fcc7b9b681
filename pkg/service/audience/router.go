package audience

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
)

const (
	SourceStatic = "static"
	SourceScript = "script"
	SourceGCS    = "gcs"
)

var ErrUnknownSource = errors.New("unknown audience source")

// Router dispatches criteria to the source named by criteria.Source. An empty source name
// means static.
type Router struct {
	sources map[string]interfaces.AudienceSource
}

func NewRouter() *Router {
	return &Router{sources: map[string]interfaces.AudienceSource{SourceStatic: NewStatic()}}
}

// Register adds or replaces a source
func (r *Router) Register(name string, src interfaces.AudienceSource) *Router {
	r.sources[name] = src
	return r
}

func (r *Router) lookup(criteria model.AudienceCriteria) (interfaces.AudienceSource, error) {
	name := criteria.Source
	if name == "" {
		name = SourceStatic
	}
	src, ok := r.sources[name]
	if !ok {
		return nil, goerr.Wrap(ErrUnknownSource, "no such audience source", goerr.V("source", name))
	}
	return src, nil
}

func (r *Router) Generate(ctx context.Context, criteria model.AudienceCriteria) ([]model.AudienceMember, error) {
	src, err := r.lookup(criteria)
	if err != nil {
		return nil, err
	}
	return src.Generate(ctx, criteria)
}

// Count forwards to sources that can count cheaply
func (r *Router) Count(ctx context.Context, criteria model.AudienceCriteria) (int, error) {
	src, err := r.lookup(criteria)
	if err != nil {
		return 0, err
	}
	counter, ok := src.(interfaces.AudienceCounter)
	if !ok {
		return 0, goerr.Wrap(interfaces.ErrCountUnsupported, "source cannot count", goerr.V("source", criteria.Source))
	}
	return counter.Count(ctx, criteria)
}
