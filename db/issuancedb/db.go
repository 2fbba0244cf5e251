// Package issuancedb implements an optional sqlite3 audit log of token
// issuance and consumption outcomes for the authority service. It is not
// protocol state: the protocol core persists nothing (spec.md §6), and an
// authority can run perfectly well without this log attached. It exists
// purely for operator forensics ("who requested a token, from where, and
// did the server ever see it").
package issuancedb

import (
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores issuance audit records in a sqlite3 database.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 filename.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// Outcome labels for Record's outcome column.
const (
	OutcomeIssued  = "issued"
	OutcomeDenied  = "denied"
	OutcomeExpired = "expired"
)

// Record is one row of the issuance audit log.
type Record struct {
	ClientID   uint64
	HMACPrefix string
	RequestIP  string
	Region     string
	Expire     uint64
	Outcome    string
	IssuedAt   time.Time
}

// Insert appends an audit record. Failures here are logged by the caller but
// never block issuance: the log is advisory, not protocol-critical.
func (db *DB) Insert(r Record) error {
	_, err := db.x.NamedExec(`
		INSERT INTO
		issuance ( client_id,  hmac_prefix,  request_ip,  region,  expire,  outcome,  issued_at)
		VALUES   (:client_id, :hmac_prefix, :request_ip, :region, :expire, :outcome, :issued_at)
	`, map[string]any{
		"client_id":   strconv.FormatUint(r.ClientID, 16),
		"hmac_prefix": r.HMACPrefix,
		"request_ip":  r.RequestIP,
		"region":      r.Region,
		"expire":      r.Expire,
		"outcome":     r.Outcome,
		"issued_at":   r.IssuedAt.Unix(),
	})
	return err
}

// RecentByClientID returns the most recent audit records for a client, up
// to limit, newest first.
func (db *DB) RecentByClientID(clientID uint64, limit int) ([]Record, error) {
	var rows []struct {
		ClientID   string `db:"client_id"`
		HMACPrefix string `db:"hmac_prefix"`
		RequestIP  string `db:"request_ip"`
		Region     string `db:"region"`
		Expire     uint64 `db:"expire"`
		Outcome    string `db:"outcome"`
		IssuedAt   int64  `db:"issued_at"`
	}
	if err := db.x.Select(&rows, `
		SELECT client_id, hmac_prefix, request_ip, region, expire, outcome, issued_at
		FROM issuance WHERE client_id = ? ORDER BY issued_at DESC LIMIT ?
	`, strconv.FormatUint(clientID, 16), limit); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			ClientID:   clientID,
			HMACPrefix: row.HMACPrefix,
			RequestIP:  row.RequestIP,
			Region:     row.Region,
			Expire:     row.Expire,
			Outcome:    row.Outcome,
			IssuedAt:   time.Unix(row.IssuedAt, 0),
		})
	}
	return out, nil
}
