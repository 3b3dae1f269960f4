package drtbolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bPeers       = "peers"
	bCredentials = "credentials"

	defaultTO = 2 * time.Second
)

var ErrEmptyPath = errors.New("drtbolt: empty db path")

// peerRecord is what we remember about an overlay peer between runs.
type peerRecord struct {
	Addr         string    `json:"addr"`
	NodeKey      string    `json:"node_key,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	LastSuccess  time.Time `json:"last_success"`
	FailureCount int       `json:"failures"`
}

// Store is a BoltDB-backed peer cache and credential store.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) a BoltDB database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, fmt.Errorf("drtbolt: open %s: %w", path, err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bPeers)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bCredentials)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) updatePeer(addr netip.AddrPort, fn func(r *peerRecord)) error {
	if !addr.IsValid() {
		return fmt.Errorf("drtbolt: invalid peer address")
	}
	k := []byte(addr.String())
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bPeers))
		r := peerRecord{Addr: addr.String()}
		if raw := b.Get(k); raw != nil {
			// Corrupt entries are simply overwritten.
			_ = json.Unmarshal(raw, &r)
		}
		fn(&r)
		val, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(k, val)
	})
}

// NoteSuccess records a successful exchange with the peer at addr.
func (s *Store) NoteSuccess(nodeKeyHex string, addr netip.AddrPort) error {
	now := s.now()
	return s.updatePeer(addr, func(r *peerRecord) {
		if nodeKeyHex != "" {
			r.NodeKey = nodeKeyHex
		}
		r.LastSeen = now
		r.LastSuccess = now
		r.FailureCount = 0
	})
}

// NoteFailure bumps the failure counter for addr.
func (s *Store) NoteFailure(addr netip.AddrPort) error {
	now := s.now()
	return s.updatePeer(addr, func(r *peerRecord) {
		r.LastSeen = now
		r.FailureCount++
	})
}

// Candidates returns cached peer addresses best-first: most recent success,
// then fewest failures. Peers with more than maxFailures are skipped.
func (s *Store) Candidates(maxFailures, limit int) ([]netip.AddrPort, error) {
	var recs []peerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bPeers)).ForEach(func(_, v []byte) error {
			var r peerRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.FailureCount > maxFailures {
				return nil
			}
			recs = append(recs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastSuccess.Equal(recs[j].LastSuccess) {
			return recs[i].LastSuccess.After(recs[j].LastSuccess)
		}
		return recs[i].FailureCount < recs[j].FailureCount
	})

	out := make([]netip.AddrPort, 0, len(recs))
	for _, r := range recs {
		if limit > 0 && len(out) >= limit {
			break
		}
		ap, err := netip.ParseAddrPort(r.Addr)
		if err != nil {
			continue
		}
		out = append(out, ap)
	}
	return out, nil
}

// LoadCredential returns the blob stored under name, or ok=false.
func (s *Store) LoadCredential(name string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bCredentials)).Get([]byte(name))
		if v != nil {
			// bolt values are only valid inside the transaction.
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// SaveCredential stores blob under name, replacing any previous value.
func (s *Store) SaveCredential(name string, blob []byte) error {
	if name == "" {
		return errors.New("drtbolt: empty credential name")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bCredentials)).Put([]byte(name), blob)
	})
}
