package fcie

import (
	"encoding/binary"
	"errors"
	"testing"

	"msc313.dev/mmc"
)

func TestChainEntryEncode(t *testing.T) {
	e := ChainEntry{Addr: 0x2040_0000, Len: 0x600, End: true, Jobs: 3}
	var b [chainEntrySize]byte
	e.encode(b[:])
	if got, want := binary.LittleEndian.Uint32(b[0:]), uint32(3<<admaCtrlJobCntShift|admaCtrlEnd); got != want {
		t.Errorf("ctrl word: got %#08x, want %#08x", got, want)
	}
	if got := binary.LittleEndian.Uint32(b[4:]); got != e.Addr {
		t.Errorf("addr word: got %#08x, want %#08x", got, e.Addr)
	}
	if got := binary.LittleEndian.Uint32(b[8:]); got != e.Len {
		t.Errorf("len word: got %#08x, want %#08x", got, e.Len)
	}
	if got := binary.LittleEndian.Uint32(b[12:]); got != 0 {
		t.Errorf("reserved word: got %#08x, want 0", got)
	}
}

func TestPrepareDirect(t *testing.T) {
	sim := NewSimulator()
	d := testDevice(t, sim)

	data := &mmc.Data{
		Dir:       mmc.DataRead,
		BlockSize: 512,
		Segments:  []mmc.Segment{{Addr: 0x2000_0000, Len: 1024}},
	}
	p, err := d.prepare(data)
	if err != nil {
		t.Fatal(err)
	}
	if p.chained {
		t.Error("single segment produced a chained plan")
	}
	if p.addr != 0x2000_0000 || p.length != 1024 {
		t.Errorf("plan targets %#x+%d, want segment address and length", p.addr, p.length)
	}
	if p.blocks != 2 {
		t.Errorf("plan block count %d, want 2", p.blocks)
	}
	if p.bytes != 1024 {
		t.Errorf("plan byte count %d, want 1024", p.bytes)
	}
}

func TestPrepareChained(t *testing.T) {
	sim := NewSimulator()
	d := testDevice(t, sim)

	segs := []mmc.Segment{
		{Addr: 0x1000, Len: 512},
		{Addr: 0x3000, Len: 1024},
		{Addr: 0x8000, Len: 512},
	}
	data := &mmc.Data{Dir: mmc.DataWrite, BlockSize: 512, Segments: segs}
	p, err := d.prepare(data)
	if err != nil {
		t.Fatal(err)
	}
	defer d.release(&p)
	if !p.chained {
		t.Fatal("several segments did not produce a chained plan")
	}
	// The controller is pointed at the chain, one descriptor-sized
	// block.
	if p.length != chainHeaderLen || p.blocks != 1 {
		t.Errorf("chained plan programs %d+%d blocks, want %#x+1", p.length, p.blocks, chainHeaderLen)
	}
	if p.bytes != 2048 {
		t.Errorf("plan byte count %d, want 2048", p.bytes)
	}
	var jobs uint32
	for i, e := range d.descs[:len(segs)] {
		if e.Addr != segs[i].Addr || e.Len != segs[i].Len {
			t.Errorf("descriptor %d: %#x+%d, want %#x+%d", i, e.Addr, e.Len, segs[i].Addr, segs[i].Len)
		}
		if e.End != (i == len(segs)-1) {
			t.Errorf("descriptor %d: end flag %t", i, e.End)
		}
		jobs += e.Jobs
	}
	if jobs != 4 {
		t.Errorf("chain job count %d, want 4", jobs)
	}
}

func TestPrepareRejectsOversizedChain(t *testing.T) {
	sim := NewSimulator()
	d := testDevice(t, sim)

	segs := make([]mmc.Segment, MaxSegments+1)
	for i := range segs {
		segs[i] = mmc.Segment{Addr: uint32(i) * 512, Len: 512}
	}
	data := &mmc.Data{Dir: mmc.DataRead, BlockSize: 512, Segments: segs}
	if _, err := d.prepare(data); !errors.Is(err, mmc.ErrTooManySegments) {
		t.Fatalf("got %v, want %v", err, mmc.ErrTooManySegments)
	}
}

func TestPrepareRejectsEmptyData(t *testing.T) {
	sim := NewSimulator()
	d := testDevice(t, sim)

	data := &mmc.Data{Dir: mmc.DataRead, BlockSize: 512}
	if _, err := d.prepare(data); !errors.Is(err, mmc.ErrInvalidRequest) {
		t.Fatalf("got %v, want %v", err, mmc.ErrInvalidRequest)
	}
}

func TestPrepareChainedWithoutDMA(t *testing.T) {
	sim := NewSimulator()
	d := New(sim, Options{IRQ: sim.IRQ(), Log: t.Logf})
	defer d.Close()

	segs := []mmc.Segment{
		{Addr: 0x1000, Len: 512},
		{Addr: 0x2000, Len: 512},
	}
	data := &mmc.Data{Dir: mmc.DataRead, BlockSize: 512, Segments: segs}
	if _, err := d.prepare(data); !errors.Is(err, mmc.ErrInvalidRequest) {
		t.Fatalf("got %v, want %v", err, mmc.ErrInvalidRequest)
	}
}
