package configstore

import (
	"time"

	"github.com/batata-io/batata/internal/berrors"
	"github.com/batata-io/batata/internal/store"
)

// HistoryEntry is the shape the console history API returns: every field
// the retained history record carries, plus the commit id used as the
// page cursor.
type HistoryEntry struct {
	ID         uint64
	DataID     string
	Group      string
	Namespace  string
	OpType     store.OpType
	Content    string
	MD5        string
	SrcUser    string
	SrcIP      string
	CommitTime time.Time
}

// History returns up to limit history records for key, most recent first.
func (s *Store) History(key store.ConfigKey, limit int) ([]HistoryEntry, error) {
	recs, err := s.backend.ListHistory(key, limit)
	if err != nil {
		return nil, berrors.Internal(err, "list history")
	}
	out := make([]HistoryEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, HistoryEntry{
			ID: r.ID, DataID: r.DataID, Group: r.Group, Namespace: r.Namespace,
			OpType: r.OpType, Content: r.Content, MD5: r.MD5, SrcUser: r.SrcUser, SrcIP: r.SrcIP, CommitTime: r.CommitTime,
		})
	}
	return out, nil
}

// PruneRetention deletes history records older than retention. Nothing in
// this module calls it on a schedule; history records stay until a caller
// invokes it.
func (s *Store) PruneRetention(retention time.Duration) (int, error) {
	n, err := s.backend.PruneHistory(time.Now().Add(-retention))
	if err != nil {
		return 0, berrors.Internal(err, "prune history")
	}
	return n, nil
}
