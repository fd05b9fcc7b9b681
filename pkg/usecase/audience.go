package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/interfaces"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/utils/logging"
)

// DefaultAudienceTTL is how long a generated audience stays reusable
const DefaultAudienceTTL = 24 * time.Hour

// AudienceProcessor materializes, caches and validates execution audiences
type AudienceProcessor struct {
	repo   interfaces.Repository
	source interfaces.AudienceSource
	ttl    time.Duration
	now    func() time.Time
}

func NewAudienceProcessor(repo interfaces.Repository, source interfaces.AudienceSource, ttl time.Duration, now func() time.Time) *AudienceProcessor {
	if ttl <= 0 {
		ttl = DefaultAudienceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &AudienceProcessor{repo: repo, source: source, ttl: ttl, now: now}
}

// GenerateAudience resolves the criteria through the audience source and stores the manifest
func (p *AudienceProcessor) GenerateAudience(ctx context.Context, executionID types.ExecutionID, automationID types.AutomationID, criteria model.AudienceCriteria) (*model.AudienceManifest, error) {
	if p.source == nil {
		return nil, goerr.New("no audience source configured", goerr.V(ExecutionIDKey, executionID))
	}

	started := p.now()
	raw, err := p.source.Generate(ctx, criteria)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate audience",
			goerr.V(ExecutionIDKey, executionID), goerr.V("source", criteria.Source))
	}

	members := make([]model.AudienceMember, 0, len(raw))
	seen := make(map[types.UserID]bool, len(raw))
	for _, m := range raw {
		m.UserID = m.UserID.Normalize()
		if m.UserID == "" || seen[m.UserID] {
			continue
		}
		seen[m.UserID] = true
		members = append(members, m)
	}

	now := p.now().UTC()
	manifest := &model.AudienceManifest{
		ExecutionID:         executionID,
		AutomationID:        automationID,
		Members:             members,
		Size:                len(members),
		Checksum:            model.AudienceChecksum(members),
		CriteriaFingerprint: criteria.Fingerprint(),
		GeneratedAt:         now,
		ExpiresAt:           now.Add(p.ttl),
	}

	if err := p.repo.Audience().Save(ctx, manifest); err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to save audience manifest",
			goerr.V(ExecutionIDKey, executionID), goerr.V("error", err.Error()))
	}

	logging.From(ctx).Info("audience generated",
		ExecutionIDKey, executionID,
		"source", criteria.Source,
		"size", manifest.Size,
		"duplicates", len(raw)-len(members),
		"elapsed", p.now().Sub(started).String(),
	)
	return manifest, nil
}

// LoadCachedAudience returns the stored manifest, or nil when none exists
func (p *AudienceProcessor) LoadCachedAudience(ctx context.Context, executionID types.ExecutionID) (*model.AudienceManifest, error) {
	manifest, err := p.repo.Audience().Get(ctx, executionID)
	if err != nil {
		return nil, goerr.Wrap(ErrPersistence, "failed to load audience manifest",
			goerr.V(ExecutionIDKey, executionID), goerr.V("error", err.Error()))
	}
	return manifest, nil
}

// ValidateCache checks a cached manifest for integrity, expiry and drift
func (p *AudienceProcessor) ValidateCache(ctx context.Context, executionID types.ExecutionID, criteria *model.AudienceCriteria) (*model.CacheValidation, error) {
	manifest, err := p.LoadCachedAudience(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return p.validate(ctx, manifest, criteria), nil
}

func (p *AudienceProcessor) validate(ctx context.Context, manifest *model.AudienceManifest, criteria *model.AudienceCriteria) *model.CacheValidation {
	v := &model.CacheValidation{Issues: []string{}}
	if manifest == nil {
		v.Issues = append(v.Issues, "no cached audience")
		return v
	}

	if manifest.Size != len(manifest.Members) {
		v.Issues = append(v.Issues, fmt.Sprintf("size mismatch: recorded %d, found %d", manifest.Size, len(manifest.Members)))
	}
	if sum := model.AudienceChecksum(manifest.Members); sum != manifest.Checksum {
		v.Issues = append(v.Issues, "checksum mismatch")
	}
	if !p.now().Before(manifest.ExpiresAt) {
		v.Issues = append(v.Issues, "audience expired")
	}

	if criteria != nil {
		if manifest.CriteriaFingerprint != "" && manifest.CriteriaFingerprint != criteria.Fingerprint() {
			v.Issues = append(v.Issues, "audience criteria changed")
		}
		if counter, ok := p.source.(interfaces.AudienceCounter); ok {
			n, err := counter.Count(ctx, *criteria)
			switch {
			case errors.Is(err, interfaces.ErrCountUnsupported):
			case err != nil:
				logging.From(ctx).Warn("audience count unavailable", ExecutionIDKey, manifest.ExecutionID, "error", err.Error())
			case n != manifest.Size:
				v.Issues = append(v.Issues, fmt.Sprintf("audience drifted: recorded %d, current %d", manifest.Size, n))
			}
		}
	}

	v.Valid = len(v.Issues) == 0
	return v
}

// Resolve returns the cached audience when useCache is set and the cache is valid, and
// generates a fresh one otherwise
func (p *AudienceProcessor) Resolve(ctx context.Context, executionID types.ExecutionID, automationID types.AutomationID, criteria model.AudienceCriteria, useCache bool) (*model.AudienceManifest, error) {
	if useCache {
		manifest, err := p.LoadCachedAudience(ctx, executionID)
		if err != nil {
			return nil, err
		}
		v := p.validate(ctx, manifest, &criteria)
		if v.Valid {
			return manifest, nil
		}
		if manifest != nil {
			logging.From(ctx).Info("regenerating stale audience", ExecutionIDKey, executionID, "issues", v.Issues)
		}
	}
	return p.GenerateAudience(ctx, executionID, automationID, criteria)
}
