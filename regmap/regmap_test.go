package regmap

import "testing"

type fakeBus struct {
	regs   map[uint16]uint16
	reads  int
	writes int
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: make(map[uint16]uint16)}
}

func (b *fakeBus) Read16(reg uint16) uint16 {
	b.reads++
	return b.regs[reg]
}

func (b *fakeBus) Write16(reg, val uint16) {
	b.writes++
	b.regs[reg] = val
}

func TestFieldReadModifyWrite(t *testing.T) {
	bus := newFakeBus()
	bus.regs[0x30] = 0b1000_0001
	m := New(bus)

	dir := Field{Reg: 0x30, Shift: 4, Width: 1}
	m.WriteField(dir, 1)
	if got := bus.regs[0x30]; got != 0b1001_0001 {
		t.Errorf("register after field write: %#b, want %#b", got, 0b1001_0001)
	}

	wide := Field{Reg: 0x28, Shift: 8, Width: 8}
	m.WriteField(wide, 5)
	if got := bus.regs[0x28]; got != 5<<8 {
		t.Errorf("register after wide field write: %#x, want %#x", got, 5<<8)
	}
	if got := m.ReadField(wide); got != 5 {
		t.Errorf("ReadField: %d, want 5", got)
	}
}

func TestFieldWriteValueMasked(t *testing.T) {
	bus := newFakeBus()
	m := New(bus)

	f := Field{Reg: 0x2c, Shift: 1, Width: 2}
	m.WriteField(f, 0b111)
	if got := bus.regs[0x2c]; got != 0b110 {
		t.Errorf("masked field write: %#b, want %#b", got, 0b110)
	}
}

func TestShadowElidesUnchangedWrites(t *testing.T) {
	bus := newFakeBus()
	m := New(bus)

	f := Field{Reg: 0x30, Shift: 6, Width: 1}
	m.WriteField(f, 1)
	n := bus.writes
	m.WriteField(f, 1)
	if bus.writes != n {
		t.Error("unchanged field write reached the bus")
	}
}

func TestForceWriteBypassesShadow(t *testing.T) {
	bus := newFakeBus()
	m := New(bus)

	f := Field{Reg: 0xfc, Shift: 0, Width: 1}
	m.ForceWriteField(f, 1)
	n := bus.writes
	m.ForceWriteField(f, 1)
	if bus.writes != n+1 {
		t.Error("forced field write was elided")
	}
}

func TestWholeRegisterWriteAlwaysReachesBus(t *testing.T) {
	bus := newFakeBus()
	m := New(bus)

	// Data ports (command FIFO) are written as whole registers and
	// must never be elided.
	m.Write(0x80, 0x51)
	m.Write(0x80, 0x51)
	if bus.writes != 2 {
		t.Errorf("%d bus writes, want 2", bus.writes)
	}
}

func TestReadRefreshesShadow(t *testing.T) {
	bus := newFakeBus()
	m := New(bus)

	f := Field{Reg: 0x34, Shift: 0, Width: 7}
	bus.regs[0x34] = 0x40
	if got := m.ReadField(f); got != 0x40 {
		t.Errorf("ReadField: %#x, want 0x40", got)
	}
	// The device changed the register behind our back.
	bus.regs[0x34] = 0
	if got := m.ReadField(f); got != 0 {
		t.Errorf("ReadField after device change: %#x, want 0", got)
	}
}
