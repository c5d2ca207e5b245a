package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lalith-99/retailcore/internal/db"
	"github.com/lalith-99/retailcore/internal/models"
	"github.com/lalith-99/retailcore/internal/repository"
)

type SiteConfigStore struct {
	db db.Beginner
}

var _ repository.SiteConfigRepository = (*SiteConfigStore)(nil)

func NewSiteConfigStore(b db.Beginner) *SiteConfigStore {
	return &SiteConfigStore{db: b}
}

func (s *SiteConfigStore) Get(ctx context.Context) (*models.SiteConfig, error) {
	var cfg *models.SiteConfig
	err := db.InTenantTx(ctx, s.db, func(ctx context.Context, tx pgx.Tx) error {
		var c models.SiteConfig
		err := tx.QueryRow(ctx, `SELECT tenant_id, settings, updated_at FROM site_configs`).
			Scan(&c.TenantID, &c.Settings, &c.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get site config: %w", err)
		}
		cfg = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
