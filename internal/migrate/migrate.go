package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"posadmin/backend/internal/aggregate"
	"posadmin/backend/internal/domain"
	"posadmin/backend/internal/store"
)

// CurrentVersion is the schema version this build writes.
const CurrentVersion = 3

type Step struct {
	Version int
	Name    string
	Apply   func(ctx context.Context) error
}

type Manager struct {
	db    *store.DB
	steps []Step
	log   *slog.Logger
}

func New(db *store.DB, engine *aggregate.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{db: db, log: logger.With("component", "migrate")}
	m.steps = []Step{
		{Version: 1, Name: "backfill product category", Apply: m.backfillCategory},
		{Version: 2, Name: "ensure walk-in customer", Apply: m.ensureWalkIn},
		{Version: 3, Name: "build customer sales index", Apply: engine.RecalculateCustomerTotals},
	}
	return m
}

// Version reads the stored schema version. A missing record is version 0.
func (m *Manager) Version(ctx context.Context) (domain.SchemaVersion, error) {
	var v domain.SchemaVersion
	if _, err := m.db.Read(ctx, store.KeyDBVersion, &v); err != nil {
		return domain.SchemaVersion{}, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// CheckVersion migrates when the stored version is behind CurrentVersion and
// returns the version in effect afterwards.
func (m *Manager) CheckVersion(ctx context.Context) (int, error) {
	v, err := m.Version(ctx)
	if err != nil {
		return 0, err
	}
	if v.Version >= CurrentVersion {
		return v.Version, nil
	}
	if err := m.Migrate(ctx, v.Version); err != nil {
		return 0, err
	}
	return CurrentVersion, nil
}

// Migrate applies every step above from in ascending order. The stored
// version advances only after a step succeeds, so an interrupted run resumes
// at the failed step.
func (m *Manager) Migrate(ctx context.Context, from int) error {
	for _, step := range m.steps {
		if step.Version <= from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.log.Info("applying migration", "version", step.Version, "name", step.Name)
		if err := step.Apply(ctx); err != nil {
			return fmt.Errorf("migration %d (%s): %w", step.Version, step.Name, err)
		}
		err := m.db.Write(ctx, store.KeyDBVersion, domain.SchemaVersion{
			Version:     step.Version,
			LastUpdated: m.db.Now(),
		})
		if err != nil {
			return fmt.Errorf("record schema version %d: %w", step.Version, err)
		}
	}
	return nil
}

func (m *Manager) backfillCategory(ctx context.Context) error {
	products := store.NewCollection[domain.Product](m.db, store.KeyProducts)
	return products.Mutate(ctx, func(current []domain.Product) ([]domain.Product, error) {
		for i := range current {
			if current[i].Category == "" {
				current[i].Category = domain.DefaultCategory
			}
		}
		return current, nil
	})
}

func (m *Manager) ensureWalkIn(ctx context.Context) error {
	customers := store.NewCollection[domain.Customer](m.db, store.KeyCustomers)
	return customers.Mutate(ctx, func(current []domain.Customer) ([]domain.Customer, error) {
		for i := range current {
			if current[i].TotalPurchases < 0 {
				current[i].TotalPurchases = 0
			}
			if current[i].TotalSpent < 0 {
				current[i].TotalSpent = 0
			}
		}
		return domain.EnsureWalkIn(current, m.db.Now()), nil
	})
}
