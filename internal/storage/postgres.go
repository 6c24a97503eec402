package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/healthpassport/pkg/models"
)

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Passports ---

func (p *PostgresBackend) CreatePassport(ctx context.Context, pp *models.Passport) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO passports (id, owner_identity, country_code, analytics_opt_in, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		pp.ID, pp.OwnerIdentity, pp.CountryCode, pp.AnalyticsOptIn, pp.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetPassport(ctx context.Context, passportID string) (*models.Passport, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, owner_identity, country_code, analytics_opt_in, created_at
		 FROM passports WHERE id = $1`,
		passportID,
	)
	return scanPassport(row)
}

func (p *PostgresBackend) GetPassportByOwner(ctx context.Context, ownerIdentity string) (*models.Passport, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, owner_identity, country_code, analytics_opt_in, created_at
		 FROM passports WHERE owner_identity = $1`,
		ownerIdentity,
	)
	return scanPassport(row)
}

func (p *PostgresBackend) SetAnalyticsOptIn(ctx context.Context, passportID string, optIn bool) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE passports SET analytics_opt_in = $1 WHERE id = $2`,
		optIn, passportID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPassport(row pgx.Row) (*models.Passport, error) {
	var pp models.Passport
	err := row.Scan(&pp.ID, &pp.OwnerIdentity, &pp.CountryCode, &pp.AnalyticsOptIn, &pp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pp, nil
}

// --- Entry catalog ---

func (p *PostgresBackend) GetEntry(ctx context.Context, passportID, dataType string) (*models.EntryPointer, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT e.id, e.kind, e.meta_ref, e.version, e.updated_at
		 FROM entries e
		 WHERE e.passport_id = $1 AND e.data_type = $2`,
		passportID, dataType,
	)
	var entryID int64
	ptr := &models.EntryPointer{PassportID: passportID, DataType: dataType}
	var metaRef *string
	if err := row.Scan(&entryID, &ptr.Kind, &metaRef, &ptr.Version, &ptr.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if metaRef != nil {
		ptr.MetaRef = *metaRef
	}

	rows, err := p.pool.Query(ctx,
		`SELECT blob_ref FROM entry_refs WHERE entry_id = $1 ORDER BY position`,
		entryID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		ptr.BlobRefs = append(ptr.BlobRefs, ref)
	}
	return ptr, rows.Err()
}

func (p *PostgresBackend) PutEntry(ctx context.Context, ptr *models.EntryPointer, expectedVersion int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var entryID int64
	var curVersion int64
	err = tx.QueryRow(ctx,
		`SELECT id, version FROM entries
		 WHERE passport_id = $1 AND data_type = $2
		 FOR UPDATE`,
		ptr.PassportID, ptr.DataType,
	).Scan(&entryID, &curVersion)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion > 0 {
			return ErrVersionConflict
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO entries (passport_id, data_type, kind, meta_ref, version, updated_at)
			 VALUES ($1, $2, $3, $4, 1, NOW())
			 RETURNING id`,
			ptr.PassportID, ptr.DataType, ptr.Kind, nullableString(ptr.MetaRef),
		).Scan(&entryID)
		if err != nil {
			return fmt.Errorf("inserting entry: %w", err)
		}
		ptr.Version = 1
	case err != nil:
		return err
	default:
		if expectedVersion == 0 {
			return ErrVersionConflict
		}
		if expectedVersion != NoVersionCheck && expectedVersion != curVersion {
			return ErrVersionConflict
		}
		ptr.Version = curVersion + 1
		_, err = tx.Exec(ctx,
			`UPDATE entries SET kind = $1, meta_ref = $2, version = $3, updated_at = NOW()
			 WHERE id = $4`,
			ptr.Kind, nullableString(ptr.MetaRef), ptr.Version, entryID,
		)
		if err != nil {
			return fmt.Errorf("updating entry: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM entry_refs WHERE entry_id = $1`, entryID); err != nil {
			return fmt.Errorf("clearing entry refs: %w", err)
		}
	}

	for i, ref := range ptr.BlobRefs {
		_, err = tx.Exec(ctx,
			`INSERT INTO entry_refs (entry_id, position, blob_ref, created_at)
			 VALUES ($1, $2, $3, NOW())`,
			entryID, i, ref,
		)
		if err != nil {
			return fmt.Errorf("inserting entry ref: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) ListEntryTypes(ctx context.Context, passportID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT data_type FROM entries WHERE passport_id = $1 ORDER BY data_type`,
		passportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var dt string
		if err := rows.Scan(&dt); err != nil {
			return nil, err
		}
		types = append(types, dt)
	}
	return types, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// --- Grants ---

func (p *PostgresBackend) PutGrant(ctx context.Context, g *models.Grant) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO grants (passport_id, data_type, grantee_identity, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (passport_id, data_type, grantee_identity) DO NOTHING`,
		g.PassportID, g.DataType, g.GranteeIdentity, g.CreatedAt,
	)
	return err
}

func (p *PostgresBackend) DeleteGrant(ctx context.Context, passportID, dataType, granteeIdentity string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM grants WHERE passport_id = $1 AND data_type = $2 AND grantee_identity = $3`,
		passportID, dataType, granteeIdentity,
	)
	return err
}

func (p *PostgresBackend) GrantExists(ctx context.Context, passportID, dataType, granteeIdentity string) (bool, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM grants
		 WHERE passport_id = $1 AND data_type = $2 AND grantee_identity = $3`,
		passportID, dataType, granteeIdentity,
	).Scan(&count)
	return count > 0, err
}

func (p *PostgresBackend) ListGrants(ctx context.Context, passportID string) ([]*models.Grant, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT passport_id, data_type, grantee_identity, created_at
		 FROM grants WHERE passport_id = $1 ORDER BY data_type, grantee_identity`,
		passportID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []*models.Grant
	for rows.Next() {
		var g models.Grant
		if err := rows.Scan(&g.PassportID, &g.DataType, &g.GranteeIdentity, &g.CreatedAt); err != nil {
			return nil, err
		}
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, caller_identity, operation, path, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.RequestID, entry.Timestamp, entry.CallerIdentity, entry.Operation, entry.Path,
		entry.Status, entry.ResponseCode, entry.ResponseTimeMs, entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, caller_identity, operation, path, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.CallerIdentity, &e.Operation,
			&e.Path, &e.Status, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Metrics ---

func (p *PostgresBackend) CountPassports(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM passports`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM entries`).Scan(&count)
	return count, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
