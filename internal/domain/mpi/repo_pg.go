package mpi

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
	"github.com/ehr/mpi/internal/platform/phi"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// masterRepoPG persists source records, masters, links, and tombstones in
// PostgreSQL. When an encryptor is configured the direct identifiers
// (ssn_last4, mrn, phone) are encrypted at rest.
type masterRepoPG struct {
	pool *pgxpool.Pool
	enc  phi.FieldEncryptor // nil = plaintext columns
}

// NewMasterRepoPG creates a repository over the given pool.
func NewMasterRepoPG(pool *pgxpool.Pool) MasterRepository {
	return &masterRepoPG{pool: pool}
}

// NewMasterRepoWithEncryption creates a repository that encrypts direct
// identifiers at rest.
func NewMasterRepoWithEncryption(pool *pgxpool.Pool, enc phi.FieldEncryptor) MasterRepository {
	return &masterRepoPG{pool: pool, enc: enc}
}

func (r *masterRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *masterRepoPG) seal(v *string) (*string, error) {
	if v == nil || r.enc == nil {
		return v, nil
	}
	ct, err := r.enc.Encrypt(*v)
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

func (r *masterRepoPG) open(v *string) (*string, error) {
	if v == nil || r.enc == nil {
		return v, nil
	}
	pt, err := r.enc.Decrypt(*v)
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

const recordCols = `source_system, source_id, tenant_id, first_name, last_name,
	date_of_birth, gender, ssn_last4, mrn, phone,
	address_city, address_state, address_postal_code, received_at`

// demographics flattens the nullable identifier and address fields for
// binding; the PII columns are already sealed.
type demographics struct {
	ssnLast4, mrn, phone    *string
	city, state, postalCode *string
}

func (r *masterRepoPG) flatten(rec *PatientRecord) (demographics, error) {
	var d demographics
	var err error
	if d.ssnLast4, err = r.seal(rec.SSNLast4); err != nil {
		return d, fmt.Errorf("seal ssn_last4: %w", err)
	}
	if d.mrn, err = r.seal(rec.MRN); err != nil {
		return d, fmt.Errorf("seal mrn: %w", err)
	}
	if d.phone, err = r.seal(rec.Phone); err != nil {
		return d, fmt.Errorf("seal phone: %w", err)
	}
	if rec.Address != nil {
		d.city = rec.Address.City
		d.state = rec.Address.State
		d.postalCode = rec.Address.PostalCode
	}
	return d, nil
}

// restore reverses flatten on a scanned record.
func (r *masterRepoPG) restore(rec *PatientRecord, d demographics) error {
	var err error
	if rec.SSNLast4, err = r.open(d.ssnLast4); err != nil {
		return fmt.Errorf("open ssn_last4: %w", err)
	}
	if rec.MRN, err = r.open(d.mrn); err != nil {
		return fmt.Errorf("open mrn: %w", err)
	}
	if rec.Phone, err = r.open(d.phone); err != nil {
		return fmt.Errorf("open phone: %w", err)
	}
	if d.city != nil || d.state != nil || d.postalCode != nil {
		rec.Address = &Address{City: d.city, State: d.state, PostalCode: d.postalCode}
	}
	return nil
}

func (r *masterRepoPG) SaveRecord(ctx context.Context, rec *PatientRecord) error {
	d, err := r.flatten(rec)
	if err != nil {
		return err
	}
	// Records are immutable: a resubmission of the same source identity is
	// a no-op at the storage layer too.
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO mpi_record (`+recordCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (source_system, source_id) DO NOTHING`,
		rec.SourceSystem, rec.SourceID, rec.TenantID, rec.FirstName, rec.LastName,
		rec.DateOfBirth, rec.Gender, d.ssnLast4, d.mrn, d.phone,
		d.city, d.state, d.postalCode, rec.ReceivedAt)
	return err
}

func (r *masterRepoPG) scanRecord(row pgx.Rows) (*PatientRecord, error) {
	var rec PatientRecord
	var d demographics
	err := row.Scan(&rec.SourceSystem, &rec.SourceID, &rec.TenantID, &rec.FirstName, &rec.LastName,
		&rec.DateOfBirth, &rec.Gender, &d.ssnLast4, &d.mrn, &d.phone,
		&d.city, &d.state, &d.postalCode, &rec.ReceivedAt)
	if err != nil {
		return nil, err
	}
	if err := r.restore(&rec, d); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *masterRepoPG) LoadRecords(ctx context.Context) ([]*PatientRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM mpi_record ORDER BY received_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*PatientRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *masterRepoPG) SaveMaster(ctx context.Context, m *MasterPatient) error {
	d, err := r.flatten(&m.Golden)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin master save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO mpi_master (master_id, tenant_id, first_name, last_name,
			date_of_birth, gender, ssn_last4, mrn, phone,
			address_city, address_state, address_postal_code,
			created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (master_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			date_of_birth = EXCLUDED.date_of_birth,
			gender = EXCLUDED.gender,
			ssn_last4 = EXCLUDED.ssn_last4,
			mrn = EXCLUDED.mrn,
			phone = EXCLUDED.phone,
			address_city = EXCLUDED.address_city,
			address_state = EXCLUDED.address_state,
			address_postal_code = EXCLUDED.address_postal_code,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version`,
		m.MasterID, m.TenantID, m.Golden.FirstName, m.Golden.LastName,
		m.Golden.DateOfBirth, m.Golden.Gender, d.ssnLast4, d.mrn, d.phone,
		d.city, d.state, d.postalCode,
		m.CreatedAt, m.UpdatedAt, m.Version)
	if err != nil {
		return fmt.Errorf("upsert master %s: %w", m.MasterID, err)
	}

	for pos, ref := range m.LinkedRecords {
		_, err = tx.Exec(ctx, `
			INSERT INTO mpi_master_link (source_system, source_id, master_id, position)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (source_system, source_id) DO UPDATE SET
				master_id = EXCLUDED.master_id,
				position = EXCLUDED.position`,
			ref.SourceSystem, ref.SourceID, m.MasterID, pos)
		if err != nil {
			return fmt.Errorf("upsert link %s: %w", ref, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *masterRepoPG) SaveTombstone(ctx context.Context, retired, survivor uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tombstone save: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO mpi_tombstone (retired_id, survivor_id)
		VALUES ($1, $2)
		ON CONFLICT (retired_id) DO UPDATE SET survivor_id = EXCLUDED.survivor_id`,
		retired, survivor); err != nil {
		return fmt.Errorf("upsert tombstone %s: %w", retired, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mpi_master WHERE master_id = $1`, retired); err != nil {
		return fmt.Errorf("retire master %s: %w", retired, err)
	}
	return tx.Commit(ctx)
}

func (r *masterRepoPG) LoadMasters(ctx context.Context) ([]*MasterPatient, map[uuid.UUID]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT master_id, tenant_id, first_name, last_name,
			date_of_birth, gender, ssn_last4, mrn, phone,
			address_city, address_state, address_postal_code,
			created_at, updated_at, version
		FROM mpi_master`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*MasterPatient)
	var masters []*MasterPatient
	for rows.Next() {
		var m MasterPatient
		var d demographics
		err := rows.Scan(&m.MasterID, &m.TenantID, &m.Golden.FirstName, &m.Golden.LastName,
			&m.Golden.DateOfBirth, &m.Golden.Gender, &d.ssnLast4, &d.mrn, &d.phone,
			&d.city, &d.state, &d.postalCode,
			&m.CreatedAt, &m.UpdatedAt, &m.Version)
		if err != nil {
			return nil, nil, err
		}
		if err := r.restore(&m.Golden, d); err != nil {
			return nil, nil, err
		}
		m.Golden.TenantID = m.TenantID
		masters = append(masters, &m)
		byID[m.MasterID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	linkRows, err := r.conn(ctx).Query(ctx, `
		SELECT source_system, source_id, master_id
		FROM mpi_master_link ORDER BY master_id, position`)
	if err != nil {
		return nil, nil, err
	}
	defer linkRows.Close()
	for linkRows.Next() {
		var ref RecordRef
		var masterID uuid.UUID
		if err := linkRows.Scan(&ref.SourceSystem, &ref.SourceID, &masterID); err != nil {
			return nil, nil, err
		}
		if m, ok := byID[masterID]; ok {
			m.LinkedRecords = append(m.LinkedRecords, ref)
		}
	}
	if err := linkRows.Err(); err != nil {
		return nil, nil, err
	}

	tombRows, err := r.conn(ctx).Query(ctx, `SELECT retired_id, survivor_id FROM mpi_tombstone`)
	if err != nil {
		return nil, nil, err
	}
	defer tombRows.Close()
	tombstones := make(map[uuid.UUID]uuid.UUID)
	for tombRows.Next() {
		var retired, survivor uuid.UUID
		if err := tombRows.Scan(&retired, &survivor); err != nil {
			return nil, nil, err
		}
		tombstones[retired] = survivor
	}
	return masters, tombstones, tombRows.Err()
}
