package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/named-data/ndncert/ca/defn"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS requests (
  request_id      TEXT PRIMARY KEY,
  ca_prefix       TEXT NOT NULL,
  request_type    INTEGER NOT NULL,
  status          INTEGER NOT NULL,
  cert_request    BLOB NOT NULL,
  encryption_key  BLOB,
  aead_counter    INTEGER NOT NULL DEFAULT 0,
  challenge_type  TEXT NOT NULL DEFAULT '',
  challenge_state TEXT NOT NULL DEFAULT '{}',
  chal_status     TEXT NOT NULL DEFAULT '',
  remaining_tries INTEGER NOT NULL DEFAULT 0,
  expiry          INTEGER NOT NULL DEFAULT 0,
  err_code        INTEGER NOT NULL DEFAULT 0,
  err_info        TEXT NOT NULL DEFAULT '',
  cert_id         TEXT NOT NULL DEFAULT '',
  created         INTEGER NOT NULL,
  updated         INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS certificates (
  cert_id  TEXT PRIMARY KEY,
  identity TEXT NOT NULL,
  cert     BLOB NOT NULL,
  created  INTEGER NOT NULL
);`

// SqliteStore is a durable Store backed by an embedded SQLite database.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens (and if needed initializes) the database at path.
func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) String() string {
	return "sqlite-store"
}

// sqliteErr translates driver errors into the Store error taxonomy.
func sqliteErr(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return ErrDuplicate
	}
	return err
}

func (s *SqliteStore) AddRequest(rec *defn.RequestRecord) error {
	state, err := json.Marshal(rec.ChallengeState)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO requests (request_id, ca_prefix, request_type, status,
			cert_request, encryption_key, aead_counter, challenge_type,
			challenge_state, chal_status, remaining_tries, expiry,
			err_code, err_info, cert_id, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestId, rec.CaPrefix, uint64(rec.Type), uint64(rec.Status),
		rec.CertRequest, rec.EncryptionKey, rec.AeadCounter, rec.ChallengeType,
		string(state), rec.ChalStatus, rec.RemainingTries, rec.Expiry.Unix(),
		uint64(rec.ErrCode), rec.ErrInfo, rec.CertId,
		rec.Created.Unix(), rec.Updated.Unix())
	if err != nil {
		return sqliteErr(err)
	}
	return nil
}

func (s *SqliteStore) GetRequest(requestId string) (*defn.RequestRecord, error) {
	row := s.db.QueryRow(
		`SELECT request_id, ca_prefix, request_type, status, cert_request,
			encryption_key, aead_counter, challenge_type, challenge_state,
			chal_status, remaining_tries, expiry, err_code, err_info,
			cert_id, created, updated
		 FROM requests WHERE request_id = ?`, requestId)
	return scanRequest(row)
}

func scanRequest(row interface{ Scan(...any) error }) (*defn.RequestRecord, error) {
	rec := &defn.RequestRecord{}
	var reqType, status, errCode uint64
	var state string
	var expiry, created, updated int64

	err := row.Scan(&rec.RequestId, &rec.CaPrefix, &reqType, &status,
		&rec.CertRequest, &rec.EncryptionKey, &rec.AeadCounter,
		&rec.ChallengeType, &state, &rec.ChalStatus, &rec.RemainingTries,
		&expiry, &errCode, &rec.ErrInfo, &rec.CertId, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	rec.Type = defn.RequestType(reqType)
	rec.Status = defn.Status(status)
	rec.ErrCode = defn.ErrorCode(errCode)
	rec.Expiry = time.Unix(expiry, 0)
	rec.Created = time.Unix(created, 0)
	rec.Updated = time.Unix(updated, 0)
	if err := json.Unmarshal([]byte(state), &rec.ChallengeState); err != nil {
		return nil, fmt.Errorf("corrupt challenge state for %s: %w", rec.RequestId, err)
	}
	return rec, nil
}

func (s *SqliteStore) UpdateRequest(rec *defn.RequestRecord) error {
	state, err := json.Marshal(rec.ChallengeState)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE requests SET ca_prefix = ?, request_type = ?, status = ?,
			cert_request = ?, encryption_key = ?, aead_counter = ?,
			challenge_type = ?, challenge_state = ?, chal_status = ?,
			remaining_tries = ?, expiry = ?, err_code = ?, err_info = ?,
			cert_id = ?, updated = ?
		 WHERE request_id = ?`,
		rec.CaPrefix, uint64(rec.Type), uint64(rec.Status),
		rec.CertRequest, rec.EncryptionKey, rec.AeadCounter,
		rec.ChallengeType, string(state), rec.ChalStatus,
		rec.RemainingTries, rec.Expiry.Unix(), uint64(rec.ErrCode),
		rec.ErrInfo, rec.CertId, rec.Updated.Unix(), rec.RequestId)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SqliteStore) DeleteRequest(requestId string) error {
	res, err := s.db.Exec(`DELETE FROM requests WHERE request_id = ?`, requestId)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SqliteStore) ListRequests() ([]*defn.RequestRecord, error) {
	rows, err := s.db.Query(
		`SELECT request_id, ca_prefix, request_type, status, cert_request,
			encryption_key, aead_counter, challenge_type, challenge_state,
			chal_status, remaining_tries, expiry, err_code, err_info,
			cert_id, created, updated
		 FROM requests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*defn.RequestRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SqliteStore) AddCert(rec *defn.CertRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO certificates (cert_id, identity, cert, created)
		 VALUES (?, ?, ?, ?)`,
		rec.CertId, rec.Identity, rec.Cert, rec.Created.Unix())
	if err != nil {
		return sqliteErr(err)
	}
	return nil
}

func (s *SqliteStore) GetCert(certId string) (*defn.CertRecord, error) {
	rec := &defn.CertRecord{}
	var created int64

	err := s.db.QueryRow(
		`SELECT cert_id, identity, cert, created
		 FROM certificates WHERE cert_id = ?`, certId).
		Scan(&rec.CertId, &rec.Identity, &rec.Cert, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	rec.Created = time.Unix(created, 0)
	return rec, nil
}

func (s *SqliteStore) UpdateCert(rec *defn.CertRecord) error {
	res, err := s.db.Exec(
		`UPDATE certificates SET identity = ?, cert = ? WHERE cert_id = ?`,
		rec.Identity, rec.Cert, rec.CertId)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SqliteStore) DeleteCert(certId string) error {
	res, err := s.db.Exec(`DELETE FROM certificates WHERE cert_id = ?`, certId)
	if err != nil {
		return err
	}
	return affected(res)
}

func (s *SqliteStore) ListCerts() ([]*defn.CertRecord, error) {
	rows, err := s.db.Query(`SELECT cert_id, identity, cert, created FROM certificates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*defn.CertRecord
	for rows.Next() {
		rec := &defn.CertRecord{}
		var created int64
		if err := rows.Scan(&rec.CertId, &rec.Identity, &rec.Cert, &created); err != nil {
			return nil, err
		}
		rec.Created = time.Unix(created, 0)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// affected maps a zero-row mutation to ErrNotFound.
func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
