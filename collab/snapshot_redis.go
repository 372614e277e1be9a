package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redis-backed snapshot store. one key per room holding the encoded
// snapshot; useful where rooms are short-lived and a relational store is
// overkill.
type RedisSnapshotStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisSnapshotStore(ctx context.Context, redisUrl string) (*RedisSnapshotStore, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisSnapshotStore{
		client:    client,
		keyPrefix: "room:snapshot:",
	}, nil
}

func (self *RedisSnapshotStore) key(roomId string) string {
	return fmt.Sprintf("%s%s", self.keyPrefix, roomId)
}

func (self *RedisSnapshotStore) LoadSnapshot(ctx context.Context, roomId string) (*Snapshot, error) {
	snapshotBytes, err := self.client.Get(ctx, self.key(roomId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{}
	if err := decode(snapshotBytes, snapshot); err != nil {
		return nil, err
	}
	if snapshot.Doc == nil {
		snapshot.Doc = NewDocument()
	}
	return snapshot, nil
}

func (self *RedisSnapshotStore) SaveSnapshot(ctx context.Context, roomId string, snapshot *Snapshot) error {
	snapshotBytes, err := encode(snapshot)
	if err != nil {
		return err
	}
	return self.client.Set(ctx, self.key(roomId), snapshotBytes, 0).Err()
}

func (self *RedisSnapshotStore) Close() {
	self.client.Close()
}
