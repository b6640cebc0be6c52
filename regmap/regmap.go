// Package regmap provides symbolic access to named bit fields of a
// 16-bit device register map.
//
// Field writes are read-modify-write operations through a per-register
// shadow cache, so repeated writes of an unchanged value are elided.
// Edge-triggered lines (job-start, reset) need the device to observe
// every write; those use the force variants, which bypass the shadow.
package regmap

import "sync"

// Bus is the raw register transport. It is assumed not to fail in
// normal operation; transports that can fail (such as a serial debug
// bridge) surface errors out of band.
type Bus interface {
	Read16(reg uint16) uint16
	Write16(reg uint16, val uint16)
}

// Field names a sub-field of a register: a byte offset plus a bit
// offset and width within the 16-bit value.
type Field struct {
	Reg   uint16
	Shift uint8
	Width uint8
}

func (f Field) mask() uint16 {
	return (1<<f.Width - 1) << f.Shift
}

// Regmap wraps a Bus with a shadow cache of register values. Accesses
// are serialized; the interrupt path and the transfer path share one
// Regmap.
type Regmap struct {
	mu     sync.Mutex
	bus    Bus
	shadow map[uint16]uint16
}

func New(b Bus) *Regmap {
	return &Regmap{
		bus:    b,
		shadow: make(map[uint16]uint16),
	}
}

// Read reads a whole register and refreshes its shadow value.
func (m *Regmap) Read(reg uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(reg)
}

func (m *Regmap) read(reg uint16) uint16 {
	v := m.bus.Read16(reg)
	m.shadow[reg] = v
	return v
}

// Write writes a whole register. Whole-register writes always reach the
// bus; only field writes are elided through the shadow.
func (m *Regmap) Write(reg, val uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus.Write16(reg, val)
	m.shadow[reg] = val
}

// ReadField reads the register backing f and extracts the field value.
func (m *Regmap) ReadField(f Field) uint16 {
	return (m.Read(f.Reg) & f.mask()) >> f.Shift
}

// WriteField sets f to val, preserving the other bits of the register.
// The write is skipped when the shadowed register value is unchanged.
func (m *Regmap) WriteField(f Field, val uint16) {
	m.writeField(f, val, false)
}

// ForceWriteField sets f to val like WriteField, but always performs
// the bus write even when the shadowed value is unchanged.
func (m *Regmap) ForceWriteField(f Field, val uint16) {
	m.writeField(f, val, true)
}

func (m *Regmap) writeField(f Field, val uint16, force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, cached := m.shadow[f.Reg]
	if !cached {
		old = m.read(f.Reg)
	}
	next := old&^f.mask() | val<<f.Shift&f.mask()
	if !force && cached && next == old {
		return
	}
	m.bus.Write16(f.Reg, next)
	m.shadow[f.Reg] = next
}
