package redkit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxStreamIDSeq uint64 = 1<<32 - 1 // matches MAX_STREAM_ID_SEQ_NO

// Sentinel error strings, reproduced verbatim from the original
// implementation's constants so client-observable error text matches.
const (
	errStreamIDTooSmall   = "ERR The ID specified in XADD must be greater than 0-0"
	errStreamIDNotGreater = "ERR The ID specified in XADD is equal or smaller than the target stream top item"
	errXopOnNonStream     = "ERR The key provided does not refer to a stream"
)

// StreamID is the (milliseconds, sequence) pair that orders stream
// entries. Ordering is numeric on both fields — unlike the reference
// implementation this is grounded on, which compared the two halves as
// raw strings and so misordered ids like "9" and "10".
type StreamID struct {
	Ms  uint64
	Seq uint64
}

func (id StreamID) Less(other StreamID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Less(other):
		return -1
	case other.Less(id):
		return 1
	default:
		return 0
	}
}

func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

func (id StreamID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// parseStreamID parses a fully explicit "ms-seq" id. It does not accept
// "*" or "ms-*" forms; callers resolve those before calling this.
func parseStreamID(s string) (StreamID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		msv, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("invalid stream id %q", s)
		}
		return StreamID{Ms: msv}, nil
	}
	msv, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	seqv, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	return StreamID{Ms: msv, Seq: seqv}, nil
}

// OrderedFields preserves XADD field/value insertion order, needed to
// render XRANGE/XREAD results as a flat field-then-value array in the
// order the fields were supplied.
type OrderedFields struct {
	keys   []string
	values []string
}

func NewOrderedFields(kvs []string) OrderedFields {
	f := OrderedFields{}
	for i := 0; i+1 < len(kvs); i += 2 {
		f.keys = append(f.keys, kvs[i])
		f.values = append(f.values, kvs[i+1])
	}
	return f
}

func (f OrderedFields) Flatten() []RedisValue {
	out := make([]RedisValue, 0, len(f.keys)*2)
	for i := range f.keys {
		out = append(out, RedisValue{Type: BulkString, Bulk: []byte(f.keys[i])})
		out = append(out, RedisValue{Type: BulkString, Bulk: []byte(f.values[i])})
	}
	return out
}

// ValidateStreamID checks a proposed XADD id against §4.4's rules,
// without mutating the store. Returns "" if valid, or a RESP error
// string to reply with. A key holding a string is rejected here; an
// absent key is valid (it will be created).
func (s *Store) ValidateStreamID(key, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateStreamIDLocked(key, id)
}

func (s *Store) validateStreamIDLocked(key, id string) (string, error) {
	if _, isString := s.strings[key]; isString {
		return errStreamIDNotGreater, nil
	}
	if id == "*" {
		return "", nil
	}
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		seqPart = "0"
		msPart = id
	}
	if msPart == "0" && seqPart == "0" {
		return errStreamIDTooSmall, nil
	}
	stream, exists := s.streams[key]
	if !exists || len(stream.ids) == 0 {
		return "", nil
	}
	last, _ := stream.last()
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stream id %q", id)
	}
	if ms < last.Ms {
		return errStreamIDNotGreater, nil
	}
	if seqPart == "*" {
		return "", nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stream id %q", id)
	}
	if ms == last.Ms && seq <= last.Seq {
		return errStreamIDNotGreater, nil
	}
	return "", nil
}

// generateStreamID resolves "*", "ms-*", and fully explicit ids into a
// concrete StreamID given the stream's current last id (zero value if
// the stream is new/empty).
func generateStreamID(id string, last StreamID, hasLast bool, nowMs uint64) (StreamID, error) {
	if id == "*" {
		if !hasLast || last.Ms != nowMs {
			return StreamID{Ms: nowMs, Seq: 0}, nil
		}
		return StreamID{Ms: nowMs, Seq: last.Seq + 1}, nil
	}
	msPart, seqPart, hasSeqPart := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q", id)
	}
	if !hasSeqPart {
		return StreamID{Ms: ms}, nil
	}
	if seqPart != "*" {
		seq, err := strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("invalid stream id %q", id)
		}
		return StreamID{Ms: ms, Seq: seq}, nil
	}
	if !hasLast {
		if ms == 0 {
			return StreamID{Ms: ms, Seq: 1}, nil
		}
		return StreamID{Ms: ms, Seq: 0}, nil
	}
	if ms == last.Ms {
		return StreamID{Ms: ms, Seq: last.Seq + 1}, nil
	}
	if ms == 0 {
		return StreamID{Ms: ms, Seq: 1}, nil
	}
	return StreamID{Ms: ms, Seq: 0}, nil
}

// XAdd validates and appends a new entry, returning its rendered id.
func (s *Store) XAdd(key, id string, kvs []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if errText, err := s.validateStreamIDLocked(key, id); err != nil {
		return "", err
	} else if errText != "" {
		return "", &StreamError{Text: errText}
	}

	stream, exists := s.streams[key]
	if !exists {
		stream = &streamEntry{}
		s.streams[key] = stream
	}
	last, hasLast := stream.last()
	nowMs := uint64(time.Now().UnixMilli())
	newID, err := generateStreamID(id, last, hasLast, nowMs)
	if err != nil {
		return "", err
	}

	stream.ids = append(stream.ids, newID)
	stream.fields = append(stream.fields, NewOrderedFields(kvs))
	s.cond.Broadcast()
	return newID.String(), nil
}

// StreamError wraps a RESP error string produced by stream validation.
type StreamError struct{ Text string }

func (e *StreamError) Error() string { return e.Text }

// normalizeRangeBound applies §4.4's XRANGE start/end normalization.
func normalizeRangeBound(s string, isStart bool, lastID StreamID, hasLast bool) (StreamID, error) {
	switch {
	case isStart && s == "-":
		return StreamID{Ms: 0, Seq: 1}, nil
	case !isStart && s == "+":
		if hasLast {
			return lastID, nil
		}
		return StreamID{Ms: maxStreamIDSeq, Seq: maxStreamIDSeq}, nil
	}
	if !strings.Contains(s, "-") {
		ms, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("invalid stream id %q", s)
		}
		if isStart {
			return StreamID{Ms: ms, Seq: 0}, nil
		}
		return StreamID{Ms: ms, Seq: maxStreamIDSeq}, nil
	}
	return parseStreamID(s)
}

// XRange returns entries in [start, end] (after normalization),
// rendered as RESP arrays. Uses binary search (bisect-right-style) over
// the stream's id-ordered slice, matching §4.4's inclusive-start
// predecessor trick.
func (s *Store) XRange(key, start, end string) (RedisValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, exists := s.streams[key]
	if !exists {
		if _, isString := s.strings[key]; isString {
			return RedisValue{}, &StreamError{Text: errXopOnNonStream}
		}
		return RedisValue{Type: Array, Array: []RedisValue{}}, nil
	}

	last, hasLast := stream.last()
	startID, err := normalizeRangeBound(start, true, last, hasLast)
	if err != nil {
		return RedisValue{}, err
	}
	endID, err := normalizeRangeBound(end, false, last, hasLast)
	if err != nil {
		return RedisValue{}, err
	}

	lo := bisectRight(stream.ids, startID)
	if lo > 0 && stream.ids[lo-1] == startID {
		lo--
	}
	hi := bisectRight(stream.ids, endID)
	if hi > len(stream.ids) {
		hi = len(stream.ids)
	}
	if lo >= hi {
		return RedisValue{Type: Array, Array: []RedisValue{}}, nil
	}

	return RedisValue{Type: Array, Array: renderStreamSlice(stream, lo, hi)}, nil
}

// bisectRight returns the index of the first element strictly greater
// than target (i.e. Python's bisect.bisect_right over a sorted slice).
func bisectRight(ids []StreamID, target StreamID) int {
	lo, hi := 0, len(ids)
	for lo < hi {
		mid := (lo + hi) / 2
		if target.Less(ids[mid]) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func renderStreamSlice(stream *streamEntry, lo, hi int) []RedisValue {
	out := make([]RedisValue, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, RedisValue{Type: Array, Array: []RedisValue{
			{Type: BulkString, Bulk: []byte(stream.ids[i].String())},
			{Type: Array, Array: stream.fields[i].Flatten()},
		}})
	}
	return out
}

// xreadSnapshot captures the state XREAD needs before any BLOCK wait:
// the length of each named stream at call time, used to resolve "$"
// ids and to detect growth while blocked.
type xreadSnapshot struct {
	lens []int
}

func (s *Store) xreadSnapshotLocked(keys []string) xreadSnapshot {
	lens := make([]int, len(keys))
	for i, k := range keys {
		if st, ok := s.streams[k]; ok {
			lens[i] = len(st.ids)
		}
	}
	return xreadSnapshot{lens: lens}
}

// resolveDollarIDs replaces any "$" id with the last id of its stream
// as of the given snapshot (or 0-0 if the stream was empty then).
func (s *Store) resolveDollarIDs(keys, ids []string, snap xreadSnapshot) []string {
	resolved := make([]string, len(ids))
	copy(resolved, ids)
	for i, id := range ids {
		if id != "$" {
			continue
		}
		st, ok := s.streams[keys[i]]
		if ok && snap.lens[i] > 0 {
			resolved[i] = st.ids[snap.lens[i]-1].String()
		} else {
			resolved[i] = "0-0"
		}
	}
	return resolved
}

// XRead implements blocking/non-blocking XREAD per §4.4. block==nil
// means no BLOCK clause; *block==0 means block indefinitely; otherwise
// block for that many milliseconds.
func (s *Store) XRead(keys, ids []string, block *time.Duration) (RedisValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if _, isString := s.strings[k]; isString {
			return RedisValue{}, &StreamError{Text: errXopOnNonStream}
		}
	}

	snap := s.xreadSnapshotLocked(keys)
	resolved := s.resolveDollarIDs(keys, ids, snap)

	if block != nil {
		if *block > 0 {
			s.mu.Unlock()
			time.Sleep(*block)
			s.mu.Lock()
		} else {
			deadlineWait := func() bool {
				for {
					grown := false
					for i, k := range keys {
						if st, ok := s.streams[k]; ok && len(st.ids) != snap.lens[i] {
							grown = true
						}
					}
					if grown {
						return true
					}
					s.cond.Wait()
				}
			}
			deadlineWait()
		}
	}

	return s.renderXRead(keys, resolved)
}

func (s *Store) renderXRead(keys, ids []string) (RedisValue, error) {
	results := make([]RedisValue, 0, len(keys))
	for i, key := range keys {
		stream, ok := s.streams[key]
		if !ok {
			return RedisValue{Type: Null}, nil
		}
		id, err := parseStreamID(ids[i])
		if err != nil {
			return RedisValue{}, err
		}
		lo := bisectRight(stream.ids, id)
		if lo >= len(stream.ids) {
			return RedisValue{Type: Null}, nil
		}
		results = append(results, RedisValue{Type: Array, Array: []RedisValue{
			{Type: BulkString, Bulk: []byte(key)},
			{Type: Array, Array: renderStreamSlice(stream, lo, len(stream.ids))},
		}})
	}
	return RedisValue{Type: Array, Array: results}, nil
}
