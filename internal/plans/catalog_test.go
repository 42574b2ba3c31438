package plans

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

func TestLoadDefaultCatalog(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	plans := c.List()
	require.Len(t, plans, 4)
	assert.Equal(t, "free", plans[0].Slug)

	enterprise, err := c.GetPlanBySlug(context.Background(), "Enterprise")
	require.NoError(t, err)
	assert.Equal(t, domain.Unlimited, enterprise.Limits.ActiveTickets)

	starter, err := c.GetPlan(context.Background(), "plan_starter")
	require.NoError(t, err)
	assert.Equal(t, int64(100), starter.Limits.ActiveTickets)
}

func TestUnknownPlan(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	_, err = c.GetPlan(context.Background(), "plan_missing")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
	_, err = c.GetPlanBySlug(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: p1
    slug: tiny
    name: Tiny
    limits:
      active_tickets: 0
      completed_tickets: 5
      total_tickets: -1
      storage_quota_gb: 1
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	p, err := c.GetPlanBySlug(context.Background(), "tiny")
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Limits.ActiveTickets)
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	cases := map[string]string{
		"empty":         `plans: []`,
		"missing slug":  "plans:\n  - id: a\n    name: A\n",
		"bad limit":     "plans:\n  - id: a\n    slug: a\n    limits:\n      active_tickets: -7\n",
		"duplicate id":  "plans:\n  - id: a\n    slug: a\n  - id: a\n    slug: b\n",
		"not yaml list": "plans: nope",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}
