package configstore

import "sync/atomic"

// LocalApplier is an Applier with no Raft group behind it: "commit" is a
// monotonically increasing local counter and Apply drives the bound
// Store's ApplyConfigPut/ApplyConfigDel synchronously, the same callback
// a committed Raft log entry triggers through the FSM. cmd/server does
// not use it (every storage mode runs Raft); the tests build their
// Stores on it.
type LocalApplier struct {
	seq   uint64
	store *Store
}

func NewLocalApplier() *LocalApplier { return &LocalApplier{} }

// bind wires the applier to the Store it was constructed for. Called
// once from NewStore; a LocalApplier used before binding (e.g. in tests
// that only exercise Apply's index sequencing) simply skips the callback.
func (a *LocalApplier) bind(s *Store) {
	a.store = s
}

func (a *LocalApplier) Apply(cmd Command) (uint64, error) {
	idx := atomic.AddUint64(&a.seq, 1)
	if a.store == nil {
		return idx, nil
	}
	if err := a.store.applyCommand(idx, cmd); err != nil {
		return idx, err
	}
	return idx, nil
}
