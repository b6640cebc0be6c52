// Package trace records register bus traffic for offline analysis. A
// tracing bus wraps any other register bus and logs every access with a
// timestamp relative to the start of the trace; the log serializes as a
// stream of CBOR entries.
package trace

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"msc313.dev/regmap"
)

// Op is the access type of a trace entry.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpRead {
		return "read"
	}
	return "write"
}

// Entry is one recorded register access.
type Entry struct {
	// T is the time of the access relative to the start of the
	// trace.
	T   time.Duration `cbor:"t"`
	Op  Op            `cbor:"op"`
	Reg uint16        `cbor:"reg"`
	Val uint16        `cbor:"val"`
}

// Bus records all accesses passing through it. It is safe for
// concurrent use, matching the buses it wraps.
type Bus struct {
	inner regmap.Bus

	mu      sync.Mutex
	start   time.Time
	entries []Entry
}

func Wrap(b regmap.Bus) *Bus {
	return &Bus{
		inner: b,
		start: time.Now(),
	}
}

func (b *Bus) Read16(reg uint16) uint16 {
	v := b.inner.Read16(reg)
	b.record(OpRead, reg, v)
	return v
}

func (b *Bus) Write16(reg, val uint16) {
	b.inner.Write16(reg, val)
	b.record(OpWrite, reg, val)
}

func (b *Bus) record(op Op, reg, val uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{
		T:   time.Since(b.start),
		Op:  op,
		Reg: reg,
		Val: val,
	})
}

// Entries returns a copy of the recorded accesses.
func (b *Bus) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

// Reset drops the recorded accesses and restarts the trace clock.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.start = time.Now()
}

// WriteTo serializes the recorded accesses to w as a CBOR stream, one
// entry per item.
func (b *Bus) WriteTo(w io.Writer) error {
	enc := cbor.NewEncoder(w)
	for _, e := range b.Entries() {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("trace: %w", err)
		}
	}
	return nil
}

// ReadFrom decodes a CBOR trace stream written by WriteTo.
func ReadFrom(r io.Reader) ([]Entry, error) {
	dec := cbor.NewDecoder(r)
	var entries []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				return entries, nil
			}
			return nil, fmt.Errorf("trace: %w", err)
		}
		entries = append(entries, e)
	}
}
