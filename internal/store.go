package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Entry is a versioned value owned by a single node.
type Entry struct {
	Value   json.RawMessage
	Version uint64
}

// Store contains this nodes view of the state of every known node in the
// cluster, keyed by owner session ID then key.
//
// Only the local owner's section is written locally. Other sections are
// only written by Reconcile, keeping the entry with the highest version.
//
// Note this is thread safe.
type Store struct {
	// id is the session ID of the local node.
	id uint64
	// version is the highest version assigned to a local entry. This only
	// increases.
	version uint64
	// owners contains the entries of every known owner, including the local
	// node.
	owners map[uint64]map[string]Entry
	// mu protects all above fields. Using a RWMutex since expect the workload
	// to be quite read heavy (calculating digests and updates).
	mu sync.RWMutex

	logger *zap.Logger

	// Note must not hold mu when invoking callbacks as they may call back
	// into the store.
	onJoin   func(owner uint64)
	onUpdate func(owner uint64, key string, value json.RawMessage)
}

func NewStore(
	id uint64,
	onJoin func(owner uint64),
	onUpdate func(owner uint64, key string, value json.RawMessage),
	logger *zap.Logger,
) *Store {
	return &Store{
		id: id,
		owners: map[uint64]map[string]Entry{
			id: make(map[string]Entry),
		},
		onJoin:   onJoin,
		onUpdate: onUpdate,
		logger:   logger,
	}
}

func (s *Store) ID() uint64 {
	return s.id
}

// Version returns the local version counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.version
}

// Set sets key in the local section to the JSON encoding of value with the
// next local version. The version is bumped even if the value is unchanged.
func (s *Store) Set(key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: failed to encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.version++
	s.owners[s.id][key] = Entry{
		Value:   b,
		Version: s.version,
	}
	return nil
}

// Get returns the value of key owned by owner.
func (s *Store) Get(owner uint64, key string) (json.RawMessage, bool) {
	e, ok := s.Lookup(owner, key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

func (s *Store) Lookup(owner uint64, key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.owners[owner]
	if !ok {
		return Entry{}, false
	}
	e, ok := entries[key]
	return e, ok
}

// Owners returns the owner IDs known by this node in ascending order. If
// includeLocal is true the local node is included, otherwise it isn't.
func (s *Store) Owners(includeLocal bool) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owners := make([]uint64, 0, len(s.owners))
	for owner := range s.owners {
		if includeLocal || owner != s.id {
			owners = append(owners, owner)
		}
	}
	sort.Slice(owners, func(i, j int) bool {
		return owners[i] < owners[j]
	})
	return owners
}

// Digest returns the highest version known for each owner, ordered by owner.
func (s *Store) Digest() Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest := make(Digest, 0, len(s.owners))
	for owner, entries := range s.owners {
		digest = append(digest, DigestEntry{
			Owner:      owner,
			MaxVersion: maxVersion(entries),
		})
	}
	sort.Slice(digest, func(i, j int) bool {
		return digest[i].Owner < digest[j].Owner
	})
	return digest
}

// Update returns all entries whose version exceeds the version of the same
// owner in the digest. An owner we know about that is not in the digest
// returns all its entries. Entries are ordered by owner then version.
func (s *Store) Update(digest Digest) Update {
	known := make(map[uint64]uint64, len(digest))
	for _, e := range digest {
		known[e.Owner] = e.MaxVersion
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	update := Update{}
	for owner, entries := range s.owners {
		// Absent owners map to 0 so all entries are sent.
		version := known[owner]
		for key, e := range entries {
			if e.Version <= version {
				continue
			}
			update = append(update, UpdateEntry{
				Owner:   owner,
				Key:     key,
				Value:   e.Value,
				Version: e.Version,
			})
		}
	}
	sort.Slice(update, func(i, j int) bool {
		if update[i].Owner != update[j].Owner {
			return update[i].Owner < update[j].Owner
		}
		return update[i].Version < update[j].Version
	})
	return update
}

// Reconcile merges a remote update. Each cell is overwritten if it is absent
// locally or the local version is strictly lower, so applying the same
// update more than once has no further effect.
func (s *Store) Reconcile(update Update) {
	var (
		joined  []uint64
		updated []UpdateEntry
	)

	s.mu.Lock()

	s.logger.Debug("reconcile", zap.Array("update", update))

	for _, e := range update {
		entries, ok := s.owners[e.Owner]
		if !ok {
			entries = make(map[string]Entry)
			s.owners[e.Owner] = entries
			joined = append(joined, e.Owner)

			s.logger.Info("owner discovered", zap.Uint64("owner", e.Owner))
		}

		if e.Owner == s.id && e.Version > s.version {
			// A newer version of our own state than we know about can only
			// be an echo, so skip ahead to keep local versions increasing.
			s.version = e.Version
		}

		if current, ok := entries[e.Key]; ok && current.Version >= e.Version {
			continue
		}
		entries[e.Key] = Entry{
			Value:   e.Value,
			Version: e.Version,
		}
		if e.Owner != s.id {
			updated = append(updated, e)
		}
	}

	s.mu.Unlock()

	if s.onJoin != nil {
		for _, owner := range joined {
			s.onJoin(owner)
		}
	}
	if s.onUpdate != nil {
		for _, e := range updated {
			s.onUpdate(e.Owner, e.Key, e.Value)
		}
	}
}

// Equal returns true if both stores contain the same entries for every
// owner.
func (s *Store) Equal(o *Store) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(s.owners) != len(o.owners) {
		return false
	}
	for owner, entries := range s.owners {
		other, ok := o.owners[owner]
		if !ok || len(entries) != len(other) {
			return false
		}
		for key, e := range entries {
			w, ok := other[key]
			if !ok {
				return false
			}
			if e.Version != w.Version || !bytes.Equal(e.Value, w.Value) {
				return false
			}
		}
	}
	return true
}

func maxVersion(entries map[string]Entry) uint64 {
	var version uint64
	for _, e := range entries {
		if e.Version > version {
			version = e.Version
		}
	}
	return version
}
