// Package kvstore implements store.Adapter on top of tidwall/buntdb, the
// embedded KV engine aistore also vendors. It is the adapter used for the
// standalone_embedded and distributed_embedded storage modes: a single
// file-backed database, no external SQL server required.
package kvstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/store"
)

const keySep = "\x1f"

// KVStore is a buntdb-backed store.Adapter. buntdb itself serializes all
// writes through a single RWMutex-guarded transaction; the extra seqMu
// here only serializes NextHistoryID's scans for the highest stored
// history id.
type KVStore struct {
	db *buntdb.DB

	seqMu sync.Mutex
}

// Open opens (creating if absent) the buntdb file at path. path may be
// ":memory:" for an ephemeral, test-only store.
func Open(path string) (*KVStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb at %s: %w", path, err)
	}
	return &KVStore{db: db}, nil
}

func configKey(k store.ConfigKey) string {
	return "config" + keySep + k.Namespace + keySep + k.Group + keySep + k.DataID
}

func grayKey(k store.GrayKey) string {
	return "gray" + keySep + k.Namespace + keySep + k.Group + keySep + k.DataID + keySep + k.GrayName
}

func grayPrefix(k store.ConfigKey) string {
	return "gray" + keySep + k.Namespace + keySep + k.Group + keySep + k.DataID + keySep + "*"
}

func historyPrefix(k store.ConfigKey) string {
	return "history" + keySep + k.Namespace + keySep + k.Group + keySep + k.DataID + keySep
}

func historyKey(k store.ConfigKey, id uint64) string {
	// zero-padded so buntdb's lexicographic key-index iteration yields
	// ascending commit order.
	return fmt.Sprintf("%s%020d", historyPrefix(k), id)
}

func instanceKey(k store.InstanceKey) string {
	return "instance" + keySep + k.Namespace + keySep + k.Group + keySep + k.Service + keySep +
		k.ClusterName + keySep + k.IP + keySep + strconv.Itoa(k.Port)
}

func userKey(username string) string { return "user" + keySep + username }
func roleKey(name string) string     { return "role" + keySep + name }
func namespaceKey(id string) string  { return "namespace" + keySep + id }

func (s *KVStore) PutConfig(rec store.ConfigRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(configKey(rec.ConfigKey), string(buf), nil)
		return err
	})
}

func (s *KVStore) GetConfig(key store.ConfigKey) (store.ConfigRecord, bool, error) {
	var rec store.ConfigRecord
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(configKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(v), &rec)
	})
	return rec, found, err
}

func (s *KVStore) DeleteConfig(key store.ConfigKey) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(configKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
	return err
}

// ListConfigs scans configs under (namespace, group); either may be ""
// to mean "every value", used by the Raft FSM to snapshot the whole
// config set regardless of tenancy.
func (s *KVStore) ListConfigs(namespace, group string) ([]store.ConfigRecord, error) {
	nsGlob, grpGlob := namespace, group
	if nsGlob == "" {
		nsGlob = "*"
	}
	if grpGlob == "" {
		grpGlob = "*"
	}
	prefix := "config" + keySep + nsGlob + keySep + grpGlob + keySep
	var out []store.ConfigRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(k, v string) bool {
			var rec store.ConfigRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	return out, err
}

func (s *KVStore) PutGray(rec store.GrayRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(grayKey(rec.GrayKey), string(buf), nil)
		return err
	})
}

func (s *KVStore) GetGray(key store.GrayKey) (store.GrayRecord, bool, error) {
	var rec store.GrayRecord
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(grayKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(v), &rec)
	})
	return rec, found, err
}

func (s *KVStore) DeleteGray(key store.GrayKey) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(grayKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// ListGrays returns every gray overlay for key, sorted alphabetically by
// gray_name: buntdb's key-index iteration is already lexicographic, and
// gray_name is the last key segment, so no further sort is needed.
func (s *KVStore) ListGrays(key store.ConfigKey) ([]store.GrayRecord, error) {
	var out []store.GrayRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(grayPrefix(key), func(k, v string) bool {
			var rec store.GrayRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	return out, err
}

func (s *KVStore) AppendHistory(rec store.HistoryRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(historyKey(rec.ConfigKey, rec.ID), string(buf), nil)
		return err
	})
}

func (s *KVStore) ListHistory(key store.ConfigKey, limit int) ([]store.HistoryRecord, error) {
	var out []store.HistoryRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys(historyPrefix(key)+"*", func(k, v string) bool {
			var rec store.HistoryRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				out = append(out, rec)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	return out, err
}

func (s *KVStore) PruneHistory(olderThan time.Time) (int, error) {
	var toDelete []string
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("history"+keySep+"*", func(k, v string) bool {
			var rec store.HistoryRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil && rec.CommitTime.Before(olderThan) {
				toDelete = append(toDelete, k)
			}
			return true
		})
	})
	if err != nil {
		return 0, err
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range toDelete {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

func (s *KVStore) PutInstance(rec store.InstanceRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(instanceKey(rec.InstanceKey), string(buf), nil)
		return err
	})
}

func (s *KVStore) DeleteInstance(key store.InstanceKey) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(instanceKey(key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// ListInstances scans persistent instances under (namespace, group); either
// may be "" to mean "every value", used by the Raft FSM to snapshot the
// whole persistent instance set regardless of tenancy.
func (s *KVStore) ListInstances(namespace, group string) ([]store.InstanceRecord, error) {
	nsGlob, grpGlob := namespace, group
	if nsGlob == "" {
		nsGlob = "*"
	}
	if grpGlob == "" {
		grpGlob = "*"
	}
	prefix := "instance" + keySep + nsGlob + keySep + grpGlob + keySep
	var out []store.InstanceRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(k, v string) bool {
			var rec store.InstanceRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	return out, err
}

func (s *KVStore) PutUser(rec store.UserRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(userKey(rec.Username), string(buf), nil)
		return err
	})
}

func (s *KVStore) GetUser(username string) (store.UserRecord, bool, error) {
	var rec store.UserRecord
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(userKey(username))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(v), &rec)
	})
	return rec, found, err
}

func (s *KVStore) DeleteUser(username string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(userKey(username))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (s *KVStore) ListUsers() ([]store.UserRecord, error) {
	var out []store.UserRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user"+keySep+"*", func(k, v string) bool {
			var rec store.UserRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	return out, err
}

func (s *KVStore) DeleteRole(name string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(roleKey(name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (s *KVStore) PutRole(rec store.RoleRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(roleKey(rec.Name), string(buf), nil)
		return err
	})
}

func (s *KVStore) GetRole(name string) (store.RoleRecord, bool, error) {
	var rec store.RoleRecord
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(roleKey(name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return json.Unmarshal([]byte(v), &rec)
	})
	return rec, found, err
}

func (s *KVStore) ListRoles() ([]store.RoleRecord, error) {
	var out []store.RoleRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("role"+keySep+"*", func(k, v string) bool {
			var rec store.RoleRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	return out, err
}

func (s *KVStore) PutNamespace(rec store.NamespaceRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(namespaceKey(rec.ID), string(buf), nil)
		return err
	})
}

func (s *KVStore) DeleteNamespace(id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(namespaceKey(id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (s *KVStore) ListNamespaces() ([]store.NamespaceRecord, error) {
	var out []store.NamespaceRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("namespace"+keySep+"*", func(k, v string) bool {
			var rec store.NamespaceRecord
			if err := json.Unmarshal([]byte(v), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	return out, err
}

func (s *KVStore) Close() error { return s.db.Close() }

// NextHistoryID returns the next monotonically-increasing id for key's
// history, scanning the current max. Nothing in this module calls it:
// configstore writes each history record with the applied commit index
// as its id.
func (s *KVStore) NextHistoryID(key store.ConfigKey) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	var max uint64
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys(historyPrefix(key)+"*", func(k, v string) bool {
			parts := strings.Split(k, keySep)
			id, err := strconv.ParseUint(parts[len(parts)-1], 10, 64)
			if err == nil {
				max = id
			}
			return false
		})
	})
	if err != nil {
		return 0, berrors.Internal(err, "scan history sequence")
	}
	return max + 1, nil
}
