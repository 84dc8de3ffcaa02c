package database

import (
	"context"
	"fmt"

	"keyfob_alarm/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB is the tenant source backed by the relay_tenants and
// relay_targets tables:
//
//	relay_tenants(name, host, port, app_key, secure, ca_cert, protocol, auth,
//	              username, client_id, enabled, position)
//	relay_targets(tenant_name, kind, label, address, position)
type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func (db *PostgresDB) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, query, args...)
}

type TenantRow struct {
	Name     string  `db:"name"`
	Host     string  `db:"host"`
	Port     *int32  `db:"port"`
	AppKey   string  `db:"app_key"`
	Secure   bool    `db:"secure"`
	CACert   *string `db:"ca_cert"`
	Protocol *string `db:"protocol"`
	Auth     *string `db:"auth"`
	Username *string `db:"username"`
	ClientID *string `db:"client_id"`
}

type TargetRow struct {
	TenantName string `db:"tenant_name"`
	Kind       string `db:"kind"`
	Label      string `db:"label"`
	Address    string `db:"address"`
}

// GetTenants loads every enabled tenant with its targets, in position order.
func (db *PostgresDB) GetTenants(ctx context.Context) ([]config.Tenant, error) {
	tenantRows, err := db.Query(ctx, `
		SELECT name, host, port, app_key, secure, ca_cert, protocol, auth, username, client_id
		FROM relay_tenants
		WHERE enabled = true
		ORDER BY position, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(tenantRows, pgx.RowToStructByName[TenantRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenants: %w", err)
	}

	targetRows, err := db.Query(ctx, `
		SELECT t.tenant_name, t.kind, t.label, t.address
		FROM relay_targets t
		JOIN relay_tenants r ON r.name = t.tenant_name
		WHERE r.enabled = true
		ORDER BY t.tenant_name, t.position, t.label`)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	targets, err := pgx.CollectRows(targetRows, pgx.RowToStructByName[TargetRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan targets: %w", err)
	}

	return assembleTenants(tenants, targets)
}

// assembleTenants joins target rows onto tenants. Channels are ordered by the
// first target of each kind; the result is normalized like a tenants file.
func assembleTenants(tenantRows []TenantRow, targetRows []TargetRow) ([]config.Tenant, error) {
	tenants := make([]config.Tenant, 0, len(tenantRows))
	index := make(map[string]int, len(tenantRows))

	for _, row := range tenantRows {
		if _, dup := index[row.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tenant %q", config.ErrInvalidTenant, row.Name)
		}
		index[row.Name] = len(tenants)
		tenants = append(tenants, config.Tenant{
			Name: row.Name,
			Broker: config.Broker{
				Host:     row.Host,
				Port:     int(deref(row.Port)),
				AppKey:   row.AppKey,
				Secure:   row.Secure,
				CACert:   deref(row.CACert),
				Protocol: deref(row.Protocol),
				Auth:     deref(row.Auth),
				Username: deref(row.Username),
				ClientID: deref(row.ClientID),
			},
		})
	}

	for _, row := range targetRows {
		i, ok := index[row.TenantName]
		if !ok {
			return nil, fmt.Errorf("%w: target %q references unknown tenant %q", config.ErrInvalidTenant, row.Label, row.TenantName)
		}
		t := &tenants[i]
		kind := config.ChannelKind(row.Kind)
		target := config.Target{Label: row.Label, Address: row.Address}

		found := false
		for j := range t.Channels {
			if t.Channels[j].Kind == kind {
				t.Channels[j].Targets = append(t.Channels[j].Targets, target)
				found = true
				break
			}
		}
		if !found {
			t.Channels = append(t.Channels, config.Channel{Kind: kind, Targets: []config.Target{target}})
		}
	}

	if err := config.NormalizeTenants(tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
