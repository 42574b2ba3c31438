// Package plans loads the static plan catalog used for usage gating.
package plans

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

//go:embed default_plans.yaml
var defaultPlans []byte

type catalogFile struct {
	Plans []domain.Plan `yaml:"plans"`
}

// Catalog is an immutable, in-memory plan catalog.
type Catalog struct {
	ordered []domain.Plan
	byID    map[string]domain.Plan
	bySlug  map[string]domain.Plan
}

// Load reads the catalog from path, or the embedded default catalog when path is empty.
func Load(path string) (*Catalog, error) {
	data := defaultPlans
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read plan catalog %s: %w", path, err)
		}
		data = raw
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}

	c := &Catalog{
		byID:   make(map[string]domain.Plan, len(file.Plans)),
		bySlug: make(map[string]domain.Plan, len(file.Plans)),
	}
	for _, p := range file.Plans {
		if p.ID == "" || p.Slug == "" {
			return nil, fmt.Errorf("plan %q: id and slug are required", p.Name)
		}
		if err := validateLimits(p); err != nil {
			return nil, err
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		if _, dup := c.bySlug[strings.ToLower(p.Slug)]; dup {
			return nil, fmt.Errorf("duplicate plan slug %q", p.Slug)
		}
		c.ordered = append(c.ordered, p)
		c.byID[p.ID] = p
		c.bySlug[strings.ToLower(p.Slug)] = p
	}
	return c, nil
}

func validateLimits(p domain.Plan) error {
	limits := map[string]int64{
		"active_tickets":    p.Limits.ActiveTickets,
		"completed_tickets": p.Limits.CompletedTickets,
		"total_tickets":     p.Limits.TotalTickets,
		"storage_quota_gb":  p.Limits.StorageQuotaGB,
	}
	for name, v := range limits {
		if v < domain.Unlimited {
			return fmt.Errorf("plan %q: %s must be -1 or non-negative, got %d", p.ID, name, v)
		}
	}
	return nil
}

// GetPlan returns the plan with the given id.
func (c *Catalog) GetPlan(_ context.Context, planID string) (*domain.Plan, error) {
	p, ok := c.byID[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, planID)
	}
	return &p, nil
}

// GetPlanBySlug returns the plan with the given slug, case-insensitively.
func (c *Catalog) GetPlanBySlug(_ context.Context, slug string) (*domain.Plan, error) {
	p, ok := c.bySlug[strings.ToLower(strings.TrimSpace(slug))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, slug)
	}
	return &p, nil
}

// List returns plans in catalog order.
func (c *Catalog) List() []domain.Plan {
	out := make([]domain.Plan, len(c.ordered))
	copy(out, c.ordered)
	return out
}
