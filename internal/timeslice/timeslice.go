// Package timeslice accounts for where the machine loop spends its time:
// inside the guest, in port and callout handlers, and in device polls.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

// Kind is a category of loop time.
type Kind uint32

const (
	KindGuest Kind = iota
	KindPortWrite
	KindPortRead
	KindCallout
	KindMemory
	KindPoll
	KindOther

	kindCount
)

var kindNames = [kindCount]string{
	KindGuest:     "guest",
	KindPortWrite: "port-write",
	KindPortRead:  "port-read",
	KindCallout:   "callout",
	KindMemory:    "memory",
	KindPoll:      "poll",
	KindOther:     "other",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

// Stats is the running total for one kind.
type Stats struct {
	Count uint64
	Total time.Duration
}

type header struct {
	Magic   uint32
	Version uint32
	Kinds   uint32
}

type record struct {
	Kind     uint32
	_        uint32
	Duration int64
}

var recordSize = binary.Size(record{})

// Recorder splits wall time into consecutive slices. Mark starts a slice
// and Record closes it under a kind. A nil Recorder ignores every call.
type Recorder struct {
	now func() time.Time

	mu    sync.Mutex
	last  time.Time
	stats [kindCount]Stats

	stream *writer
}

func NewRecorder() *Recorder {
	return NewRecorderWithClock(time.Now)
}

// NewRecorderWithClock uses now as the time source.
func NewRecorderWithClock(now func() time.Time) *Recorder {
	return &Recorder{now: now, last: now()}
}

// Mark starts a new slice without recording the time since the last one.
func (r *Recorder) Mark() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.last = r.now()
	r.mu.Unlock()
}

// Record charges the time since the last Mark or Record to kind.
func (r *Recorder) Record(kind Kind) {
	if r == nil || kind >= kindCount {
		return
	}
	r.mu.Lock()
	now := r.now()
	d := now.Sub(r.last)
	r.last = now
	r.stats[kind].Count++
	r.stats[kind].Total += d
	if r.stream != nil {
		r.stream.records <- record{Kind: uint32(kind), Duration: d.Nanoseconds()}
	}
	r.mu.Unlock()
}

// Snapshot returns the totals so far, keyed by kind. Kinds never recorded
// are omitted.
func (r *Recorder) Snapshot() map[Kind]Stats {
	out := make(map[Kind]Stats)
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.stats {
		if s.Count > 0 {
			out[Kind(k)] = s
		}
	}
	return out
}

// Summary formats the snapshot as "kind=count/total" pairs in kind order.
func (r *Recorder) Summary() string {
	snap := r.Snapshot()
	var parts []string
	for k := Kind(0); k < kindCount; k++ {
		if s, ok := snap[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d/%s", k, s.Count, s.Total.Round(time.Microsecond)))
		}
	}
	return strings.Join(parts, " ")
}

type writer struct {
	w       io.Writer
	records chan record
	done    chan error
}

func (w *writer) run() {
	defer close(w.done)

	var buf [4096]byte
	off := 0
	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				// Keep draining so Record never blocks.
				for range w.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], rec.Kind)
		binary.LittleEndian.PutUint32(buf[off+4:], 0)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}
	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

// Stream copies every later record to w in the binary log format read by
// ReadAll. Close flushes it.
func (r *Recorder) Stream(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return fmt.Errorf("timeslice: already streaming")
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:   Magic,
		Version: Version,
		Kinds:   uint32(kindCount),
	}); err != nil {
		return fmt.Errorf("timeslice: write header: %w", err)
	}
	r.stream = &writer{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	go r.stream.run()
	return nil
}

// Close stops streaming and flushes buffered records.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.mu.Unlock()
	if stream == nil {
		return nil
	}

	close(stream.records)
	if err := <-stream.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

// ReadAll decodes a stream written by Recorder.Stream.
func ReadAll(r io.Reader, fn func(kind Kind, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var raw [16]byte
	for {
		if _, err := io.ReadFull(buf, raw[:recordSize]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint32(raw[0:]))
		if uint32(kind) >= hdr.Kinds {
			return fmt.Errorf("timeslice: unknown kind %d", kind)
		}
		d := time.Duration(binary.LittleEndian.Uint64(raw[8:]))
		if err := fn(kind, d); err != nil {
			return err
		}
	}
}
