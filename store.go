package redkit

import (
	"path/filepath"
	"sync"
	"time"
)

// stringEntry is a String-variant store value: raw bytes plus an
// optional absolute expiry instant.
type stringEntry struct {
	value  []byte
	expiry time.Time // zero value means no TTL
}

func (e *stringEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// streamEntry is a Stream-variant store value: an append-only,
// strictly-increasing-by-id sequence of field maps. Streams never
// expire.
type streamEntry struct {
	ids    []StreamID
	fields []OrderedFields
}

func (s *streamEntry) last() (StreamID, bool) {
	if len(s.ids) == 0 {
		return StreamID{}, false
	}
	return s.ids[len(s.ids)-1], true
}

// Store is the thread-safe in-memory key/value and stream store.
// Every public method takes the lock; internal helpers operating
// under an already-held lock are suffixed "Locked", except
// resolveDollarIDs and renderXRead, which are called only from XRead
// while it holds the lock.
type Store struct {
	mu      sync.Mutex
	cond    *sync.Cond // broadcast whenever any stream grows, for blocking XREAD
	strings map[string]*stringEntry
	streams map[string]*streamEntry
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{
		strings: make(map[string]*stringEntry),
		streams: make(map[string]*streamEntry),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// LoadRDB seeds the store from a decoded RDB snapshot. Every entry is
// stored as a string key; DecodeRDB fails on any non-string value
// type, so a decoded map never holds one.
func (s *Store) LoadRDB(entries map[string]RDBEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		e := &stringEntry{value: v.Value}
		if !v.Expiry.IsZero() {
			e.expiry = v.Expiry
		}
		s.strings[k] = e
	}
}

// LoadRDBFile reads <dir>/<dbfilename> if present and seeds the store
// from it. A missing file or a decode error leaves the store empty,
// per §4.2's fallback policy.
func (s *Store) LoadRDBFile(dir, dbfilename string) error {
	path := filepath.Join(dir, dbfilename)
	entries, err := ReadRDBFile(path)
	if err != nil {
		return err
	}
	s.LoadRDB(entries)
	return nil
}

// Set stores a string value, replacing any prior entry (of either
// variant) for the key. A zero expiry means no TTL.
func (s *Store) Set(key string, value []byte, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, key)
	s.strings[key] = &stringEntry{value: value, expiry: expiry}
}

// Get returns the string value for key, or (nil, false) if absent,
// expired, or holding a stream. An expired key is removed as a side
// effect (lazy expiry).
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.strings, key)
		return nil, false
	}
	return e.value, true
}

// Del removes key (of either variant) and reports whether it was present.
func (s *Store) Del(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, wasString := s.strings[key]
	_, wasStream := s.streams[key]
	delete(s.strings, key)
	delete(s.streams, key)
	return wasString || wasStream
}

// Exists reports whether key is present and not lazily expired.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok {
		if e.expired(time.Now()) {
			delete(s.strings, key)
			return false
		}
		return true
	}
	_, ok := s.streams[key]
	return ok
}

// Expire sets a TTL (now + d) on an existing string key. Returns false
// if the key is absent or holds a stream.
func (s *Store) Expire(key string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || e.expired(time.Now()) {
		delete(s.strings, key)
		return false
	}
	e.expiry = time.Now().Add(d)
	return true
}

// TTL reports seconds remaining on key's expiry: -2 if absent, -1 if
// no TTL is set, otherwise the remaining time rounded to the nearest
// whole second. Per §4.3 this does not lazily expire.
func (s *Store) TTL(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok {
		if e.expiry.IsZero() {
			return -1
		}
		remaining := time.Until(e.expiry)
		if remaining < 0 {
			return -2
		}
		return int64((remaining + 500*time.Millisecond) / time.Second)
	}
	if _, ok := s.streams[key]; ok {
		return -1
	}
	return -2
}

// TypeOf reports "string", "stream", or "none". Does not lazily expire.
func (s *Store) TypeOf(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strings[key]; ok {
		return "string"
	}
	if _, ok := s.streams[key]; ok {
		return "stream"
	}
	return "none"
}

// Keys returns every live key matching the glob pattern. Since an RDB
// snapshot is loaded directly into the live store at startup (LoadRDB),
// "RDB-seeded keys ∪ live keys" collapses to simply the live key set;
// there is no separate seeded-key bookkeeping to union against.
func (s *Store) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []string
	for k, e := range s.strings {
		if e.expired(now) {
			continue
		}
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	for k := range s.streams {
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	return out
}

// globMatch implements the small Redis KEYS glob subset: '*' (any run),
// '?' (single char), and literal runs. Sufficient for the pattern shapes
// this spec's KEYS command needs to support.
func globMatch(pattern, s string) bool {
	return globMatchBytes([]byte(pattern), []byte(s))
}

func globMatchBytes(p, s []byte) bool {
	for len(p) > 0 {
		switch p[0] {
		case '*':
			for len(p) > 1 && p[1] == '*' {
				p = p[1:]
			}
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatchBytes(p[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			p, s = p[1:], s[1:]
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
			p, s = p[1:], s[1:]
		}
	}
	return len(s) == 0
}
