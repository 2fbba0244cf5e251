package issuancedb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE issuance (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id   TEXT NOT NULL,
			hmac_prefix TEXT NOT NULL,
			request_ip  TEXT NOT NULL,
			region      TEXT NOT NULL DEFAULT '',
			expire      INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			issued_at   INTEGER NOT NULL
		) STRICT;
	`); err != nil {
		return fmt.Errorf("create issuance table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX issuance_client_id_idx ON issuance(client_id, issued_at)`); err != nil {
		return fmt.Errorf("create issuance index: %w", err)
	}
	return nil
}
