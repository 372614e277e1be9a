package collab

import (
	"context"
	"errors"
	"sync"
)

var ErrNoSnapshot = errors.New("no snapshot for room")

// a full serialized document at a point in time. `Seq` is the last op id
// folded into `Doc`, so a restarted room continues its op id sequence past
// everything the snapshot already contains.
type Snapshot struct {
	Doc *Document `cbor:"1,keyasint"`
	Seq uint64    `cbor:"2,keyasint"`
}

// SnapshotStore is the persistence collaborator consumed by the room
// sequencer. load happens once at room cold-start; save happens
// opportunistically (periodic checkpoint, room drain, shutdown). a failed
// load is non-fatal: the room starts with an empty document.
type SnapshotStore interface {
	// returns ErrNoSnapshot when the room has never been saved
	LoadSnapshot(ctx context.Context, roomId string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, roomId string, snapshot *Snapshot) error
}

// in-memory store, for tests and single-process deployments
type MemorySnapshotStore struct {
	mutex     sync.Mutex
	snapshots map[string]*Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: map[string]*Snapshot{},
	}
}

func (self *MemorySnapshotStore) LoadSnapshot(ctx context.Context, roomId string) (*Snapshot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	snapshot, ok := self.snapshots[roomId]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return &Snapshot{
		Doc: snapshot.Doc.Copy(),
		Seq: snapshot.Seq,
	}, nil
}

func (self *MemorySnapshotStore) SaveSnapshot(ctx context.Context, roomId string, snapshot *Snapshot) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.snapshots[roomId] = &Snapshot{
		Doc: snapshot.Doc.Copy(),
		Seq: snapshot.Seq,
	}
	return nil
}
