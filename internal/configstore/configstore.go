// Package configstore implements the config store and change log: an
// in-memory cache fronting the persistence adapter, MD5-based change
// detection, gray/beta overlay resolution, and the event stream the
// long-poll coordinator and stream watchers wake on. Generalizes an
// fsnotify-driven reload-plus-subscriber-list watcher from "one file on
// disk" to "many config entries behind a replicated commit log."
package configstore

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/store"
)

// Command types recognized by Apply, matching the Raft FSM's command tags.
const (
	CmdConfigPut = "CONFIG_PUT"
	CmdConfigDel = "CONFIG_DEL"
)

// Command is the opaque, typed blob submitted to the Applier. The Raft
// FSM (or, without Raft, LocalApplier) decodes Payload by Type and
// calls back into Store.Apply* once it has committed.
type Command struct {
	Type    string
	Payload []byte
}

// ConfigPutPayload is Command.Payload's shape for CmdConfigPut.
type ConfigPutPayload struct {
	store.ConfigKey
	GrayName string // "" for the base entry
	GrayRule string
	Content  string
	Type     string
	AppName  string
	Desc     string
	Tags     []string
	SrcUser  string
	SrcIP    string
}

// ConfigDelPayload is Command.Payload's shape for CmdConfigDel.
type ConfigDelPayload struct {
	store.ConfigKey
	GrayName string
	SrcUser  string
	SrcIP    string
}

// Applier commits a Command to the replicated log (or, for LocalApplier,
// applies it synchronously) and returns the index it was applied
// at. Store.Apply is invoked with that index once commit is certain.
type Applier interface {
	Apply(cmd Command) (index uint64, err error)
}

// ChangedEvent is published whenever a base entry's or gray overlay's
// effective md5 changes. An empty MD5 signals deletion.
type ChangedEvent struct {
	Key      store.ConfigKey
	GrayName string
	MD5      string
	At       time.Time
}

type cachedEntry struct {
	content      string
	md5          string
	typ          string
	appName      string
	desc         string
	tags         []string
	srcUser      string
	srcIP        string
	createdTime  time.Time
	modifiedTime time.Time
}

type cachedGray struct {
	grayRule     string
	content      string
	md5          string
	modifiedTime time.Time
}

// Store is the in-memory config cache. Reads are local and eventually
// consistent on followers (writes are serialized through the single Raft
// apply loop, so no additional locking is needed on the write path beyond
// this store's own mutex). Get is always a local read: the Applier
// interface has no read barrier, and no caller in this module invokes
// raft.Node.ReadIndex before calling Get.
type Store struct {
	log     *zap.SugaredLogger
	backend store.Adapter
	applier Applier

	mu     sync.RWMutex
	base   map[store.ConfigKey]*cachedEntry
	grays  map[store.ConfigKey]map[string]*cachedGray // dataId/group/ns -> grayName -> entry

	events chan ChangedEvent
}

func NewStore(log *zap.SugaredLogger, backend store.Adapter, applier Applier) *Store {
	s := &Store{
		log:     log,
		backend: backend,
		applier: applier,
		base:    make(map[store.ConfigKey]*cachedEntry),
		grays:   make(map[store.ConfigKey]map[string]*cachedGray),
		events:  make(chan ChangedEvent, 1024),
	}
	if la, ok := applier.(*LocalApplier); ok {
		la.bind(s)
	}
	return s
}

// applyCommand is LocalApplier's commit path: since LocalApplier has
// no Raft FSM to decode Command and call back into ApplyConfigPut/Del,
// the store does it itself at the same point a replicated Apply would.
func (s *Store) applyCommand(index uint64, cmd Command) error {
	switch cmd.Type {
	case CmdConfigPut:
		var p ConfigPutPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return berrors.Internal(err, "unmarshal config put command")
		}
		return s.ApplyConfigPut(index, p)
	case CmdConfigDel:
		var p ConfigDelPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return berrors.Internal(err, "unmarshal config del command")
		}
		return s.ApplyConfigDel(index, p)
	default:
		return berrors.Internal(nil, "unrecognized command type %q", cmd.Type)
	}
}

func (s *Store) Events() <-chan ChangedEvent { return s.events }

func (s *Store) publish(ev ChangedEvent) {
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
		default:
		}
		s.events <- ev
	}
}

func md5Hex(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Warm loads every persisted config and gray overlay into the cache. Call
// once at startup after the backend and (if clustered) Raft have
// finished recovering from snapshot/log.
func (s *Store) Warm(namespace, group string) error {
	configs, err := s.backend.ListConfigs(namespace, group)
	if err != nil {
		return berrors.Internal(err, "warm config cache")
	}
	s.mu.Lock()
	for _, c := range configs {
		s.base[c.ConfigKey] = &cachedEntry{
			content: c.Content, md5: c.MD5, typ: c.Type, appName: c.AppName, desc: c.Desc,
			tags: c.Tags, srcUser: c.SrcUser, srcIP: c.SrcIP,
			createdTime: c.CreatedTime, modifiedTime: c.ModifiedTime,
		}
		grays, err := s.backend.ListGrays(c.ConfigKey)
		if err == nil {
			for _, g := range grays {
				s.setGrayLocked(g.ConfigKey, g.GrayName, &cachedGray{grayRule: g.GrayRule, content: g.Content, md5: g.MD5, modifiedTime: g.ModifiedTime})
			}
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) setGrayLocked(key store.ConfigKey, name string, g *cachedGray) {
	m := s.grays[key]
	if m == nil {
		m = make(map[string]*cachedGray)
		s.grays[key] = m
	}
	m[name] = g
}

// Publish computes the new md5, short-circuits if unchanged, and
// otherwise submits a CONFIG_PUT command through the Applier.
func (s *Store) Publish(key store.ConfigKey, grayName, grayRule, content, typ, appName, desc string, tags []string, srcUser, srcIP string) error {
	if len(content) > 1<<20 {
		return berrors.InvalidParam("content exceeds 1 MiB limit")
	}
	newMD5 := md5Hex(content)

	s.mu.RLock()
	var curMD5 string
	found := false
	metaUnchanged := false
	if grayName == "" {
		if e, ok := s.base[key]; ok {
			curMD5 = e.md5
			found = true
			metaUnchanged = e.typ == typ && e.appName == appName && e.desc == desc && stringsEqual(e.tags, tags)
		}
	} else if m, ok := s.grays[key]; ok {
		if g, ok := m[grayName]; ok {
			curMD5 = g.md5
			found = true
			metaUnchanged = g.grayRule == grayRule
		}
	}
	s.mu.RUnlock()

	if found && curMD5 == newMD5 && curMD5 != "" && metaUnchanged {
		return nil
	}

	payload := ConfigPutPayload{
		ConfigKey: key, GrayName: grayName, GrayRule: grayRule, Content: content,
		Type: typ, AppName: appName, Desc: desc, Tags: tags, SrcUser: srcUser, SrcIP: srcIP,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return berrors.Internal(err, "marshal config put command")
	}
	if _, err := s.applier.Apply(Command{Type: CmdConfigPut, Payload: buf}); err != nil {
		return berrors.Upstream(err, "submit config put")
	}
	return nil
}

// Delete submits a CONFIG_DEL command.
func (s *Store) Delete(key store.ConfigKey, grayName, srcUser, srcIP string) error {
	payload := ConfigDelPayload{ConfigKey: key, GrayName: grayName, SrcUser: srcUser, SrcIP: srcIP}
	buf, err := json.Marshal(payload)
	if err != nil {
		return berrors.Internal(err, "marshal config del command")
	}
	if _, err := s.applier.Apply(Command{Type: CmdConfigDel, Payload: buf}); err != nil {
		return berrors.Upstream(err, "submit config del")
	}
	return nil
}

// ApplyConfigPut is called by the Raft FSM (or LocalApplier) once a
// CONFIG_PUT command is committed at index. Idempotent by index: a
// replayed entry (index <= an already-applied watermark the caller
// tracks) is expected never to reach here twice for the same mutation,
// but re-deriving md5 here is itself naturally idempotent regardless.
func (s *Store) ApplyConfigPut(index uint64, p ConfigPutPayload) error {
	now := time.Now()
	newMD5 := md5Hex(p.Content)

	s.mu.Lock()
	var createdTime time.Time
	wasUpdate := false
	if p.GrayName == "" {
		if existing, ok := s.base[p.ConfigKey]; ok {
			createdTime = existing.createdTime
			wasUpdate = true
		} else {
			createdTime = now
		}
		s.base[p.ConfigKey] = &cachedEntry{
			content: p.Content, md5: newMD5, typ: p.Type, appName: p.AppName, desc: p.Desc,
			tags: p.Tags, srcUser: p.SrcUser, srcIP: p.SrcIP, createdTime: createdTime, modifiedTime: now,
		}
	} else {
		s.setGrayLocked(p.ConfigKey, p.GrayName, &cachedGray{grayRule: p.GrayRule, content: p.Content, md5: newMD5, modifiedTime: now})
	}
	s.mu.Unlock()

	if p.GrayName == "" {
		if err := s.backend.PutConfig(store.ConfigRecord{
			ConfigKey: p.ConfigKey, Content: p.Content, MD5: newMD5, Type: p.Type, AppName: p.AppName,
			Desc: p.Desc, Tags: p.Tags, SrcUser: p.SrcUser, SrcIP: p.SrcIP, CreatedTime: createdTime, ModifiedTime: now,
		}); err != nil {
			return berrors.Internal(err, "persist config")
		}
	} else {
		if err := s.backend.PutGray(store.GrayRecord{
			GrayKey:      store.GrayKey{ConfigKey: p.ConfigKey, GrayName: p.GrayName},
			GrayRule:     p.GrayRule, Content: p.Content, MD5: newMD5, SrcUser: p.SrcUser, SrcIP: p.SrcIP, ModifiedTime: now,
		}); err != nil {
			return berrors.Internal(err, "persist gray overlay")
		}
	}

	opType := store.OpInsert
	if wasUpdate {
		opType = store.OpUpdate
	}
	if err := s.backend.AppendHistory(store.HistoryRecord{
		ID: index, ConfigKey: p.ConfigKey, OpType: opType, Content: p.Content,
		MD5: newMD5, SrcUser: p.SrcUser, SrcIP: p.SrcIP, CommitTime: now,
	}); err != nil {
		s.log.Warnw("append history failed", "key", p.ConfigKey, "err", err)
	}

	s.publish(ChangedEvent{Key: p.ConfigKey, GrayName: p.GrayName, MD5: newMD5, At: now})
	return nil
}

// ApplyConfigDel is called once a CONFIG_DEL command is committed at index.
func (s *Store) ApplyConfigDel(index uint64, p ConfigDelPayload) error {
	now := time.Now()

	s.mu.Lock()
	if p.GrayName == "" {
		delete(s.base, p.ConfigKey)
	} else if m, ok := s.grays[p.ConfigKey]; ok {
		delete(m, p.GrayName)
	}
	s.mu.Unlock()

	var err error
	if p.GrayName == "" {
		err = s.backend.DeleteConfig(p.ConfigKey)
	} else {
		err = s.backend.DeleteGray(store.GrayKey{ConfigKey: p.ConfigKey, GrayName: p.GrayName})
	}
	if err != nil {
		return berrors.Internal(err, "delete config")
	}

	if err := s.backend.AppendHistory(store.HistoryRecord{
		ID: index, ConfigKey: p.ConfigKey, OpType: store.OpDelete, SrcUser: p.SrcUser, SrcIP: p.SrcIP, CommitTime: now,
	}); err != nil {
		s.log.Warnw("append delete history failed", "key", p.ConfigKey, "err", err)
	}

	s.publish(ChangedEvent{Key: p.ConfigKey, GrayName: p.GrayName, MD5: "", At: now})
	return nil
}

// ConfigView is the resolved content and metadata returned to readers.
type ConfigView struct {
	Content      string
	MD5          string
	Type         string
	AppName      string
	Desc         string
	Tags         []string
	ModifiedTime time.Time
	ResolvedGray string // name of the gray overlay that matched, "" if base
}

// Get returns the base entry with no gray resolution applied.
func (s *Store) Get(key store.ConfigKey) (ConfigView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.base[key]
	if !ok {
		return ConfigView{}, false
	}
	return ConfigView{Content: e.content, MD5: e.md5, Type: e.typ, AppName: e.appName, Desc: e.desc, Tags: e.tags, ModifiedTime: e.modifiedTime}, true
}

// Resolve evaluates gray overlays for key against matchLabels in
// alphabetical-by-gray_name order and returns the first match, else the
// base entry.
func (s *Store) Resolve(key store.ConfigKey, matches func(rule string) bool) (ConfigView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m := s.grays[key]; len(m) > 0 {
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			g := m[name]
			if matches(g.grayRule) {
				return ConfigView{Content: g.content, MD5: g.md5, ModifiedTime: g.modifiedTime, ResolvedGray: name}, true
			}
		}
	}

	e, ok := s.base[key]
	if !ok {
		return ConfigView{}, false
	}
	return ConfigView{Content: e.content, MD5: e.md5, Type: e.typ, AppName: e.appName, Desc: e.desc, Tags: e.tags, ModifiedTime: e.modifiedTime}, true
}

// EffectiveMD5 is Resolve's md5-only fast path, the one the long-poll
// coordinator calls on every diff check.
func (s *Store) EffectiveMD5(key store.ConfigKey, matches func(rule string) bool) string {
	v, ok := s.Resolve(key, matches)
	if !ok {
		return ""
	}
	return v.MD5
}
