package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/grace-platform/core/infrastructure/logging"
	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/core"
	"github.com/grace-platform/core/pkg/metrics"
)

// DefaultSegmentBytes is the default segment rollover size (spec.md §4.2).
const DefaultSegmentBytes int64 = 64 * 1024 * 1024

// Options configures a Log.
type Options struct {
	// SegmentBytes is the rollover threshold for the active segment file.
	SegmentBytes int64
	// Clock supplies Append's wall-clock timestamps. Defaults to SystemClock.
	Clock clockid.Clock
	// RecoveryVerifyTail is how many trailing records to eagerly hash-chain
	// verify on Open (spec.md §4.2 Recovery). 0 disables eager verification.
	RecoveryVerifyTail int
	// Logger receives structured lifecycle/failure logs. Optional.
	Logger *logging.Logger
}

type recordLocation struct {
	segmentIndex uint64
	offset       int64
}

// Log is the on-disk, hash-chained, append-only store (C2).
type Log struct {
	dir          string
	clock        clockid.Clock
	segmentBytes int64
	logger       *logging.Logger

	writerMu sync.Mutex // the single serialization point, per spec.md §5

	activeFile     *os.File
	activeIndex    uint64
	activeFirstSeq uint64
	activeSize     int64

	lastSeq    uint64
	lastHash   [32]byte
	hasRecords bool

	sealed []segmentMeta // sealed segments, oldest first

	indexMu sync.RWMutex
	index   map[uint64]recordLocation

	corrupt bool
}

// Open opens (or creates) a log at dir, performing recovery per spec.md §4.2.
func Open(dir string, opts Options) (*Log, error) {
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = DefaultSegmentBytes
	}
	if opts.Clock == nil {
		opts.Clock = clockid.SystemClock{}
	}

	if err := os.MkdirAll(filepath.Join(dir, segmentsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create segments dir: %w", err)
	}

	l := &Log{
		dir:          dir,
		clock:        opts.Clock,
		segmentBytes: opts.SegmentBytes,
		logger:       opts.Logger,
		index:        make(map[uint64]recordLocation),
	}

	sealed, err := readManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: read manifest: %w", err)
	}

	var activeIndex uint64
	for _, s := range sealed {
		if s.LastSeq != nil {
			l.sealed = append(l.sealed, s)
			activeIndex = s.Index + 1
		} else {
			activeIndex = s.Index
		}
	}

	if err := l.recoverSegment(activeIndex, opts.RecoveryVerifyTail); err != nil {
		return nil, err
	}

	return l, nil
}

// recoverSegment scans the active segment (creating it if absent), rebuilds
// the in-memory index, discards a trailing partial record, and optionally
// eagerly verifies the last N records of the resulting tail.
func (l *Log) recoverSegment(index uint64, verifyTail int) error {
	path := segmentPath(l.dir, index)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open active segment: %w", err)
	}

	var (
		offset   int64
		firstSeq uint64
		haveAny  bool
		tail     []*Record
	)

	for {
		start := offset
		buf, ferr := readFramedRecordAt(f, offset)
		if ferr == errTruncatedRecord {
			// Discard the trailing partial record: truncate to the last
			// known-good offset.
			if terr := f.Truncate(start); terr != nil {
				f.Close()
				return fmt.Errorf("ledger: truncate partial tail: %w", terr)
			}
			break
		}
		if ferr != nil {
			f.Close()
			return fmt.Errorf("ledger: scan active segment: %w", ferr)
		}
		if buf == nil {
			break // clean EOF
		}

		rec, derr := decodeRecord(buf)
		if derr != nil {
			f.Close()
			return fmt.Errorf("ledger: decode record at offset %d: %w", start, derr)
		}

		if !haveAny {
			firstSeq = rec.Seq
			haveAny = true
		}

		l.index[rec.Seq] = recordLocation{segmentIndex: index, offset: start}
		l.lastSeq = rec.Seq
		l.lastHash = rec.Hash
		l.hasRecords = true

		tail = append(tail, rec)
		if len(tail) > verifyTail && verifyTail > 0 {
			tail = tail[1:]
		}

		offset += int64(lengthPrefixLen + len(buf))
	}

	if verifyTail > 0 {
		if err := verifyChain(tail); err != nil {
			f.Close()
			l.corrupt = true
			return core.Corruption(tail[0].Seq, err)
		}
	}

	l.activeFile = f
	l.activeIndex = index
	l.activeFirstSeq = firstSeq
	l.activeSize = offset
	return nil
}

// readFramedRecordAt reads one framed record starting at offset, returning
// (nil, nil) on clean EOF (no bytes read at all).
func readFramedRecordAt(f *os.File, offset int64) ([]byte, error) {
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, err
	}
	return readFramedRecord(f)
}

// verifyChain recomputes hashes for a contiguous run of records and checks
// the prev_hash chain within the run.
func verifyChain(records []*Record) error {
	for i, r := range records {
		want := computeHash(r.Seq, r.TS.UnixNano(), r.Kind, r.Actor, r.Resource, r.Payload, r.PrevHash)
		if want != r.Hash {
			return fmt.Errorf("hash mismatch at seq %d", r.Seq)
		}
		if i > 0 && r.PrevHash != records[i-1].Hash {
			return fmt.Errorf("prev_hash mismatch at seq %d", r.Seq)
		}
	}
	return nil
}

// Append writes a new record to the log. It is the only write operation
// (spec.md §4.2).
func (l *Log) Append(ctx context.Context, kind Kind, actor, resource string, payload []byte) (*Record, error) {
	if l.corrupt {
		return nil, core.Corruption(l.lastSeq, fmt.Errorf("log is halted after a detected corruption"))
	}

	l.writerMu.Lock()
	defer l.writerMu.Unlock()

	start := clockid.Now()
	seq := l.lastSeq + 1
	ts := l.clock.Now()
	prevHash := l.lastHash
	payload = core.CanonicalizeJSON(payload)

	hash := computeHash(seq, ts.UnixNano(), kind, actor, resource, payload, prevHash)

	rec := &Record{
		ID:       clockid.NewID(l.clock),
		Seq:      seq,
		TS:       ts,
		Kind:     kind,
		Actor:    actor,
		Resource: resource,
		Payload:  payload,
		PrevHash: prevHash,
		Hash:     hash,
	}

	encoded := encodeRecord(rec)
	offset := l.activeSize

	n, err := writeFramedRecord(l.activeFile, encoded)
	if err != nil {
		metrics.RecordLedgerAppend(kind.String(), clockid.Now().Sub(start))
		if l.logger != nil {
			l.logger.LogLedgerAppend(ctx, seq, kind.String(), err)
		}
		return nil, core.Durability(err)
	}
	if err := l.activeFile.Sync(); err != nil {
		metrics.RecordLedgerAppend(kind.String(), clockid.Now().Sub(start))
		if l.logger != nil {
			l.logger.LogLedgerAppend(ctx, seq, kind.String(), err)
		}
		return nil, core.Durability(err)
	}

	l.activeSize += int64(n)
	if !l.hasRecords {
		l.activeFirstSeq = seq
		l.hasRecords = true
	}
	l.lastSeq = seq
	l.lastHash = hash

	l.indexMu.Lock()
	l.index[seq] = recordLocation{segmentIndex: l.activeIndex, offset: offset}
	l.indexMu.Unlock()

	metrics.RecordLedgerAppend(kind.String(), clockid.Now().Sub(start))
	if l.logger != nil {
		l.logger.LogLedgerAppend(ctx, seq, kind.String(), nil)
	}

	if l.activeSize >= l.segmentBytes {
		if err := l.rollover(); err != nil {
			// The record is already durable; rollover failure only affects
			// future appends, so we log and return the successful record.
			if l.logger != nil {
				l.logger.WithError(err).Error("ledger: segment rollover failed")
			}
		}
	}

	return rec, nil
}

// rollover seals the active segment and opens a fresh one. Must be called
// with writerMu held.
func (l *Log) rollover() error {
	if err := l.activeFile.Close(); err != nil {
		return err
	}

	sum, err := sha256File(segmentPath(l.dir, l.activeIndex))
	if err != nil {
		return err
	}
	lastSeq := l.lastSeq
	sealedMeta := segmentMeta{
		Index:    l.activeIndex,
		FirstSeq: l.activeFirstSeq,
		LastSeq:  &lastSeq,
		SHA256:   sum,
	}
	l.sealed = append(l.sealed, sealedMeta)

	newIndex := l.activeIndex + 1
	f, err := os.OpenFile(segmentPath(l.dir, newIndex), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	entries := append(append([]segmentMeta{}, l.sealed...), segmentMeta{Index: newIndex, FirstSeq: lastSeq + 1})
	if err := writeManifest(l.dir, entries); err != nil {
		f.Close()
		return err
	}

	l.activeFile = f
	l.activeIndex = newIndex
	l.activeFirstSeq = 0
	l.activeSize = 0
	l.hasRecords = false
	return nil
}

// LastSeq returns the most recently appended sequence number (0 if empty).
func (l *Log) LastSeq() uint64 {
	l.writerMu.Lock()
	defer l.writerMu.Unlock()
	return l.lastSeq
}

// GetBySeq reads a single record. It takes only the index read lock, so
// it does not wait on the append path's writer lock.
func (l *Log) GetBySeq(seq uint64) (*Record, error) {
	l.indexMu.RLock()
	loc, ok := l.index[seq]
	l.indexMu.RUnlock()
	if !ok {
		return nil, core.NotFound("log_record", fmt.Sprintf("%d", seq))
	}
	return l.readAt(loc)
}

func (l *Log) readAt(loc recordLocation) (*Record, error) {
	path := segmentPath(l.dir, loc.segmentIndex)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open segment %d: %w", loc.segmentIndex, err)
	}
	defer f.Close()

	buf, err := readFramedRecordAt(f, loc.offset)
	if err != nil || buf == nil {
		return nil, fmt.Errorf("ledger: read record at segment %d offset %d: %w", loc.segmentIndex, loc.offset, err)
	}
	return decodeRecord(buf)
}

// Range returns records with from <= seq <= to, inclusive, in order.
func (l *Log) Range(from, to uint64) ([]*Record, error) {
	if to < from {
		return nil, nil
	}
	out := make([]*Record, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		rec, err := l.GetBySeq(seq)
		if err != nil {
			if core.IsNotFound(err) {
				break // reached the end of the written log
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Iterator streams records from a starting seq.
type Iterator struct {
	log  *Log
	next uint64
	last uint64
}

// StreamFrom returns an iterator over records with seq >= from, up to the
// log's current tail at call time (a live StreamFrom does not pick up
// records appended after construction; callers needing that should poll
// LastSeq and call Next again).
func (l *Log) StreamFrom(from uint64) *Iterator {
	return &Iterator{log: l, next: from, last: l.LastSeq()}
}

// Next returns the next record, or ok=false once the iterator is exhausted.
func (it *Iterator) Next() (*Record, bool, error) {
	if it.next > it.last {
		return nil, false, nil
	}
	rec, err := it.log.GetBySeq(it.next)
	if err != nil {
		return nil, false, err
	}
	it.next++
	return rec, true, nil
}

// Verify recomputes hashes for seq in [from, to] and checks chaining,
// returning the first offending seq (0 if none) per spec.md §4.2.
func (l *Log) Verify(from, to uint64) (ok bool, breachAt uint64, err error) {
	if to < from {
		return true, 0, nil
	}
	var prev *Record
	if from > 0 {
		p, gerr := l.GetBySeq(from - 1)
		if gerr == nil {
			prev = p
		}
	}
	for seq := from; seq <= to; seq++ {
		rec, gerr := l.GetBySeq(seq)
		if gerr != nil {
			if core.IsNotFound(gerr) {
				break
			}
			return false, 0, gerr
		}
		want := computeHash(rec.Seq, rec.TS.UnixNano(), rec.Kind, rec.Actor, rec.Resource, rec.Payload, rec.PrevHash)
		if want != rec.Hash {
			metrics.RecordLedgerVerification(false)
			return false, seq, nil
		}
		if prev != nil && rec.PrevHash != prev.Hash {
			metrics.RecordLedgerVerification(false)
			return false, seq, nil
		}
		prev = rec
	}
	metrics.RecordLedgerVerification(true)
	return true, 0, nil
}

// Close releases the active segment file handle.
func (l *Log) Close() error {
	l.writerMu.Lock()
	defer l.writerMu.Unlock()
	if l.activeFile == nil {
		return nil
	}
	return l.activeFile.Close()
}
