package collab

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres-backed snapshot store. one row per room, upserted on save.
type PgSnapshotStore struct {
	pool *pgxpool.Pool
}

func NewPgSnapshotStore(ctx context.Context, dsn string) (*PgSnapshotStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
	defer initCancel()
	_, err = pool.Exec(
		initCtx,
		`
		CREATE TABLE IF NOT EXISTS room_snapshots (
			room_id TEXT NOT NULL,
			doc BYTEA NOT NULL,
			seq BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id)
		)
		`,
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PgSnapshotStore{
		pool: pool,
	}, nil
}

func (self *PgSnapshotStore) LoadSnapshot(ctx context.Context, roomId string) (*Snapshot, error) {
	var docBytes []byte
	var seq int64
	err := self.pool.QueryRow(
		ctx,
		`
		SELECT doc, seq FROM room_snapshots
		WHERE room_id = $1
		`,
		roomId,
	).Scan(&docBytes, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	doc := NewDocument()
	if err := decode(docBytes, doc); err != nil {
		return nil, err
	}
	return &Snapshot{
		Doc: doc,
		Seq: uint64(seq),
	}, nil
}

func (self *PgSnapshotStore) SaveSnapshot(ctx context.Context, roomId string, snapshot *Snapshot) error {
	docBytes, err := encode(snapshot.Doc)
	if err != nil {
		return err
	}
	_, err = self.pool.Exec(
		ctx,
		`
		INSERT INTO room_snapshots (room_id, doc, seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_id)
		DO UPDATE SET doc = $2, seq = $3, updated_at = now()
		`,
		roomId,
		docBytes,
		int64(snapshot.Seq),
	)
	return err
}

func (self *PgSnapshotStore) Close() {
	self.pool.Close()
}
