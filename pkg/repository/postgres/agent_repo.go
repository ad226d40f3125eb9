package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianmsp/posturepipe/pkg/agent"
)

type agentRepo struct{ db DBTX }

const agentColumns = `id, tenant_id, site_id, status, status_changed_at, last_heartbeat,
	guid, hostname, version, ip_address, ext_address, mac_address, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*agent.Agent, error) {
	var a agent.Agent
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.SiteID, &a.Status, &a.StatusChangedAt, &a.LastHeartbeat,
		&a.Metadata.GUID, &a.Metadata.Hostname, &a.Metadata.Version, &a.Metadata.IPAddress,
		&a.Metadata.ExtAddress, &a.Metadata.MACAddress, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, translateNotFound(err)
	}
	return &a, nil
}

func (r *agentRepo) Get(ctx context.Context, id uuid.UUID) (*agent.Agent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("getting agent %s: %w", id, err)
	}
	return a, nil
}

// GetByGUID is the by_guid index.
func (r *agentRepo) GetByGUID(ctx context.Context, guid string) (*agent.Agent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE guid = $1`, guid)
	a, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("getting agent by guid %s: %w", guid, err)
	}
	return a, nil
}

// ListByTenant is the by_tenant index.
func (r *agentRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*agent.Agent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing agents for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()
	var out []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAll seeds the heartbeat manager's in-memory cache at startup (§4.10).
func (r *agentRepo) ListAll(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+agentColumns+` FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("listing all agents: %w", err)
	}
	defer rows.Close()
	var out []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// BatchUpsert commits the heartbeat sync worker's coalesced writes (§4.10),
// keyed by guid.
func (r *agentRepo) BatchUpsert(ctx context.Context, agents []*agent.Agent) error {
	for _, a := range agents {
		row := r.db.QueryRow(ctx, `
			INSERT INTO agents (
				tenant_id, site_id, status, status_changed_at, last_heartbeat,
				guid, hostname, version, ip_address, ext_address, mac_address
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (guid) DO UPDATE SET
				site_id = EXCLUDED.site_id,
				status = EXCLUDED.status,
				status_changed_at = EXCLUDED.status_changed_at,
				last_heartbeat = EXCLUDED.last_heartbeat,
				hostname = EXCLUDED.hostname,
				version = EXCLUDED.version,
				ip_address = EXCLUDED.ip_address,
				ext_address = EXCLUDED.ext_address,
				mac_address = EXCLUDED.mac_address,
				updated_at = now()
			RETURNING `+agentColumns,
			a.TenantID, a.SiteID, a.Status, a.StatusChangedAt, a.LastHeartbeat,
			a.Metadata.GUID, a.Metadata.Hostname, a.Metadata.Version, a.Metadata.IPAddress,
			a.Metadata.ExtAddress, a.Metadata.MACAddress)
		updated, err := scanAgent(row)
		if err != nil {
			return fmt.Errorf("upserting agent %s: %w", a.Metadata.GUID, err)
		}
		*a = *updated
	}
	return nil
}
