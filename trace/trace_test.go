package trace

import (
	"bytes"
	"testing"
)

type fakeBus struct {
	regs map[uint16]uint16
}

func (b *fakeBus) Read16(reg uint16) uint16 {
	return b.regs[reg]
}

func (b *fakeBus) Write16(reg, val uint16) {
	b.regs[reg] = val
}

func TestRecord(t *testing.T) {
	inner := &fakeBus{regs: map[uint16]uint16{0x34: 0x0140}}
	b := Wrap(inner)

	b.Write16(0x30, 0x0146)
	v := b.Read16(0x34)
	if v != 0x0140 {
		t.Fatalf("read through: got %#04x, want 0x0140", v)
	}

	entries := b.Entries()
	if len(entries) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(entries))
	}
	if e := entries[0]; e.Op != OpWrite || e.Reg != 0x30 || e.Val != 0x0146 {
		t.Errorf("entry 0: %+v", e)
	}
	if e := entries[1]; e.Op != OpRead || e.Reg != 0x34 || e.Val != 0x0140 {
		t.Errorf("entry 1: %+v", e)
	}
	if entries[1].T < entries[0].T {
		t.Error("entries out of time order")
	}
}

func TestRoundTrip(t *testing.T) {
	inner := &fakeBus{regs: make(map[uint16]uint16)}
	b := Wrap(inner)
	b.Write16(0x2c, 0x0001)
	b.Write16(0x04, 0x0016)
	b.Read16(0x00)

	var buf bytes.Buffer
	if err := b.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrom(&buf)
	if err != nil {
		t.Fatal(err)
	}
	want := b.Entries()
	if len(got) != len(want) {
		t.Fatalf("decoded %d entries, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestReset(t *testing.T) {
	b := Wrap(&fakeBus{regs: make(map[uint16]uint16)})
	b.Write16(0x30, 1)
	b.Reset()
	if n := len(b.Entries()); n != 0 {
		t.Fatalf("%d entries after reset", n)
	}
}
