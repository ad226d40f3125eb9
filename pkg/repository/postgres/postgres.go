// Package postgres is the pgx-backed repository.Store implementation.
// Queries are hand-written (no code generator in the pack's retrieval set),
// following the raw-SQL-over-pgx style already used for incident storage.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianmsp/posturepipe/pkg/repository"
)

// translateNotFound maps pgx's no-rows sentinel to repository.ErrNotFound so
// callers can use errors.Is regardless of backend.
func translateNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

// DBTX is the subset of pgx's pool/conn/tx surface queries need.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Store is the Postgres-backed repository.Store.
type Store struct {
	tenants       *tenantRepo
	sites         *siteRepo
	dataSources   *dataSourceRepo
	entities      *entityRepo
	relationships *relationshipRepo
	alerts        *alertRepo
	jobs          *jobRepo
	agents        *agentRepo
}

// New builds a Store over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		tenants:       &tenantRepo{db: pool},
		sites:         &siteRepo{db: pool},
		dataSources:   &dataSourceRepo{db: pool},
		entities:      &entityRepo{db: pool},
		relationships: &relationshipRepo{db: pool},
		alerts:        &alertRepo{db: pool},
		jobs:          &jobRepo{db: pool},
		agents:        &agentRepo{db: pool},
	}
}

func (s *Store) Tenants() repository.TenantRepo             { return s.tenants }
func (s *Store) Sites() repository.SiteRepo                 { return s.sites }
func (s *Store) DataSources() repository.DataSourceRepo     { return s.dataSources }
func (s *Store) Entities() repository.EntityRepo             { return s.entities }
func (s *Store) Relationships() repository.RelationshipRepo { return s.relationships }
func (s *Store) Alerts() repository.AlertRepo               { return s.alerts }
func (s *Store) Jobs() repository.JobRepo                   { return s.jobs }
func (s *Store) Agents() repository.AgentRepo               { return s.agents }
