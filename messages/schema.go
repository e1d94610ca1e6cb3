// Package messages implements the Messages Manager: a unified view over
// the cache-resident Device Message Queue and the durable table that
// aged-out entries are persisted into, plus the availability-event
// channel that replaces the original MessageAvailabilityListener
// interface. Grounded on spec.md §4.3 directly; the durable table layout
// is grounded on original_source
// MessagePersisterIntegrationTest.testScheduledPersistMessages's
// DynamoDB item shape, realized here against Postgres via sqlx/lib/pq
// (the pack's closest durable-SQL stack, already vendored for this exact
// purpose in vendor/github.com/meow-io/heya/server.go's own messages
// table).
package messages

import (
	"database/sql"

	"github.com/lopezator/migrator"
)

func newMigrator() (*migrator.Migrator, error) {
	return migrator.New(
		migrator.Migrations(
			&migrator.Migration{
				Name: "001_create_durable_messages",
				Func: func(tx *sql.Tx) error {
					_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS durable_messages (
	account_uuid    UUID NOT NULL,
	device_id       INTEGER NOT NULL,
	server_ts       BIGINT NOT NULL,
	guid            UUID NOT NULL,
	envelope_type   SMALLINT NOT NULL,
	client_ts       BIGINT NOT NULL,
	source_uuid     UUID,
	source_device   INTEGER,
	sealed_sender   BOOLEAN NOT NULL DEFAULT false,
	content         BYTEA NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_uuid, device_id, server_ts, guid)
);
CREATE INDEX IF NOT EXISTS durable_messages_guid_idx ON durable_messages (guid);
CREATE INDEX IF NOT EXISTS durable_messages_expires_idx ON durable_messages (expires_at);
`)
					return err
				},
			},
		),
	)
}
