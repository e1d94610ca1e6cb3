package messages

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/relaymesh/delivery/domain"
)

// Store is the durable-table half of the Messages Manager: the table an
// envelope lands in once the persister moves it out of the cache.
type Store struct {
	db  *sqlx.DB
	ttl time.Duration
}

func OpenStore(dsn string, ttl time.Duration) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, domain.NewError(domain.Fatal, "messages.OpenStore", err)
	}
	if err := db.Ping(); err != nil {
		return nil, domain.NewError(domain.Transient, "messages.OpenStore", err)
	}
	m, err := newMigrator()
	if err != nil {
		return nil, domain.NewError(domain.Fatal, "messages.OpenStore", err)
	}
	if err := m.Migrate(db.DB); err != nil {
		return nil, domain.NewError(domain.Fatal, "messages.OpenStore", err)
	}
	return &Store{db: db, ttl: ttl}, nil
}

type durableRow struct {
	AccountUUID  string    `db:"account_uuid"`
	DeviceID     uint32    `db:"device_id"`
	ServerTS     int64     `db:"server_ts"`
	GUID         string    `db:"guid"`
	EnvelopeType uint8     `db:"envelope_type"`
	ClientTS     int64     `db:"client_ts"`
	SourceUUID   *string   `db:"source_uuid"`
	SourceDevice *uint32   `db:"source_device"`
	SealedSender bool      `db:"sealed_sender"`
	Content      []byte    `db:"content"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// Upsert inserts env into the durable table, idempotently -- inserting
// the same (account,device,server_ts,guid) twice (e.g. a persister retry
// after a crash mid-batch) is a no-op the second time, per spec.md §4.7's
// crash-safety invariant.
func (s *Store) Upsert(ctx context.Context, device domain.DeviceKey, env *domain.Envelope) error {
	var sourceUUID *string
	var sourceDevice *uint32
	if env.HasSource() {
		su := env.SourceUUID.String()
		sourceUUID = &su
		sd := env.SourceDevice
		sourceDevice = &sd
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO durable_messages
	(account_uuid, device_id, server_ts, guid, envelope_type, client_ts,
	 source_uuid, source_device, sealed_sender, content, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (account_uuid, device_id, server_ts, guid) DO NOTHING
`,
		device.AccountUUID.String(), device.DeviceID, int64(env.ServerTimestamp), env.GUID.String(),
		env.Type, int64(env.ClientTimestamp), sourceUUID, sourceDevice, env.SealedSender, env.Content,
		time.Now().Add(s.ttl),
	)
	if err != nil {
		return domain.NewError(domain.Transient, "messages.Store.Upsert", err)
	}
	return nil
}

// GetMessages returns up to limit durable rows for device, ascending by
// server timestamp.
func (s *Store) GetMessages(ctx context.Context, device domain.DeviceKey, limit int) ([]*domain.Envelope, error) {
	var rows []durableRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT account_uuid, device_id, server_ts, guid, envelope_type, client_ts,
       source_uuid, source_device, sealed_sender, content, expires_at
FROM durable_messages
WHERE account_uuid = $1 AND device_id = $2
ORDER BY server_ts ASC
LIMIT $3
`, device.AccountUUID.String(), device.DeviceID, limit)
	if err != nil {
		return nil, domain.NewError(domain.Transient, "messages.Store.GetMessages", err)
	}
	return rowsToEnvelopes(rows)
}

// DeleteByGUID removes the durable row with the given GUID for device,
// returning it if present.
func (s *Store) DeleteByGUID(ctx context.Context, device domain.DeviceKey, guid string) (*domain.Envelope, error) {
	var rows []durableRow
	err := s.db.SelectContext(ctx, &rows, `
DELETE FROM durable_messages
WHERE account_uuid = $1 AND device_id = $2 AND guid = $3
RETURNING account_uuid, device_id, server_ts, guid, envelope_type, client_ts,
          source_uuid, source_device, sealed_sender, content, expires_at
`, device.AccountUUID.String(), device.DeviceID, guid)
	if err != nil {
		return nil, domain.NewError(domain.Transient, "messages.Store.DeleteByGUID", err)
	}
	envs, err := rowsToEnvelopes(rows)
	if err != nil || len(envs) == 0 {
		return nil, err
	}
	return envs[0], nil
}

// Clear removes every durable row for device (or the whole account when
// deviceID is nil).
func (s *Store) Clear(ctx context.Context, accountUUID string, deviceID *uint32) error {
	var err error
	if deviceID == nil {
		_, err = s.db.ExecContext(ctx, `DELETE FROM durable_messages WHERE account_uuid = $1`, accountUUID)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM durable_messages WHERE account_uuid = $1 AND device_id = $2`, accountUUID, *deviceID)
	}
	if err != nil {
		return domain.NewError(domain.Transient, "messages.Store.Clear", err)
	}
	return nil
}

// SweepExpired deletes rows past their TTL. Postgres has no native
// per-row TTL, so the persister's background loop calls this
// periodically in place of DynamoDB's table-level TTL sweep.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM durable_messages WHERE expires_at < now()`)
	if err != nil {
		return 0, domain.NewError(domain.Transient, "messages.Store.SweepExpired", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func rowsToEnvelopes(rows []durableRow) ([]*domain.Envelope, error) {
	envs := make([]*domain.Envelope, 0, len(rows))
	for _, r := range rows {
		env, err := rowToEnvelope(r)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}
