package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
	"github.com/secmon-lab/pushblaster/pkg/repository/memory"
	"github.com/secmon-lab/pushblaster/pkg/usecase"
)

func TestAudienceProcessor_GenerateAudience(t *testing.T) {
	ctx := context.Background()
	ids := newUserIDs(3)
	src := newStaticSource(ids[0], ids[1], types.UserID(" "+string(ids[1])+" "), ids[2], "")
	repo := memory.New()
	p := usecase.NewAudienceProcessor(repo, src, time.Hour, newFakeClock(baseTime).Now)

	manifest, err := p.GenerateAudience(ctx, "exec-1", "auto-1", model.AudienceCriteria{Source: "static"})
	gt.NoError(t, err).Required()
	gt.Value(t, manifest.Size).Equal(3)
	gt.Value(t, manifest.Checksum).Equal(model.AudienceChecksum(manifest.Members))
	gt.Value(t, manifest.ExpiresAt).Equal(baseTime.Add(time.Hour))

	cached, err := p.LoadCachedAudience(ctx, "exec-1")
	gt.NoError(t, err).Required()
	gt.Value(t, cached.Checksum).Equal(manifest.Checksum)
}

func TestAudienceProcessor_ValidateCache(t *testing.T) {
	ctx := context.Background()
	criteria := model.AudienceCriteria{Source: "static"}

	setup := func(t *testing.T) (*usecase.AudienceProcessor, *staticSource, *fakeClock) {
		t.Helper()
		src := newStaticSource(newUserIDs(4)...)
		clock := newFakeClock(baseTime)
		p := usecase.NewAudienceProcessor(memory.New(), src, time.Hour, clock.Now)
		_, err := p.GenerateAudience(ctx, "exec-1", "auto-1", criteria)
		gt.NoError(t, err).Required()
		return p, src, clock
	}

	t.Run("fresh cache is valid", func(t *testing.T) {
		p, _, _ := setup(t)
		v, err := p.ValidateCache(ctx, "exec-1", &criteria)
		gt.NoError(t, err).Required()
		gt.Bool(t, v.Valid).True()
		gt.Array(t, v.Issues).Length(0)
	})

	t.Run("expired cache is stale", func(t *testing.T) {
		p, _, clock := setup(t)
		clock.Advance(2 * time.Hour)
		v, err := p.ValidateCache(ctx, "exec-1", &criteria)
		gt.NoError(t, err).Required()
		gt.Bool(t, v.Valid).False()
	})

	t.Run("changed criteria invalidate the cache", func(t *testing.T) {
		p, _, _ := setup(t)
		changed := model.AudienceCriteria{Source: "static", Parameters: map[string]string{"lookback_days": "7"}}
		v, err := p.ValidateCache(ctx, "exec-1", &changed)
		gt.NoError(t, err).Required()
		gt.Bool(t, v.Valid).False()
	})

	t.Run("audience drift is detected by a fresh count", func(t *testing.T) {
		p, src, _ := setup(t)
		src.Set(newUserIDs(6)...)
		v, err := p.ValidateCache(ctx, "exec-1", &criteria)
		gt.NoError(t, err).Required()
		gt.Bool(t, v.Valid).False()
	})

	t.Run("missing cache is not valid", func(t *testing.T) {
		p, _, _ := setup(t)
		v, err := p.ValidateCache(ctx, "exec-unknown", &criteria)
		gt.NoError(t, err).Required()
		gt.Bool(t, v.Valid).False()
	})
}

func TestAudienceProcessor_Resolve(t *testing.T) {
	ctx := context.Background()
	criteria := model.AudienceCriteria{Source: "static"}
	src := newStaticSource(newUserIDs(3)...)
	clock := newFakeClock(baseTime)
	p := usecase.NewAudienceProcessor(memory.New(), src, time.Hour, clock.Now)

	_, err := p.Resolve(ctx, "exec-1", "auto-1", criteria, true)
	gt.NoError(t, err).Required()
	gt.Value(t, src.Calls()).Equal(1)

	_, err = p.Resolve(ctx, "exec-1", "auto-1", criteria, true)
	gt.NoError(t, err).Required()
	gt.Value(t, src.Calls()).Equal(1)

	clock.Advance(2 * time.Hour)
	_, err = p.Resolve(ctx, "exec-1", "auto-1", criteria, true)
	gt.NoError(t, err).Required()
	gt.Value(t, src.Calls()).Equal(2)

	_, err = p.Resolve(ctx, "exec-1", "auto-1", criteria, false)
	gt.NoError(t, err).Required()
	gt.Value(t, src.Calls()).Equal(3)
}
