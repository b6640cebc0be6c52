package serialbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// bridge implements the device side of the serial protocol over an
// in-memory connection.
type bridge struct {
	regs map[uint16]uint16
	// Reply corruption knobs.
	badCRC  bool
	badEcho bool

	buf bytes.Buffer
}

func (b *bridge) Write(p []byte) (int, error) {
	if len(p) < 2 || p[0] != syncByte {
		return 0, errors.New("bridge: bad request")
	}
	if crc8(p[:len(p)-1]) != p[len(p)-1] {
		return 0, errors.New("bridge: bad request CRC")
	}
	reg := binary.LittleEndian.Uint16(p[2:])
	switch p[1] {
	case opRead:
		reply := make([]byte, 6)
		reply[0] = syncByte
		echo := reg
		if b.badEcho {
			echo++
		}
		binary.LittleEndian.PutUint16(reply[1:], echo)
		binary.LittleEndian.PutUint16(reply[3:], b.regs[reg])
		reply[5] = crc8(reply[:5])
		if b.badCRC {
			reply[5]++
		}
		b.buf.Write(reply)
	case opWrite:
		b.regs[reg] = binary.LittleEndian.Uint16(p[4:])
	default:
		return 0, errors.New("bridge: bad op")
	}
	return len(p), nil
}

func (b *bridge) Read(p []byte) (int, error) {
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

func (b *bridge) Close() error { return nil }

func TestReadWrite(t *testing.T) {
	br := &bridge{regs: make(map[uint16]uint16)}
	bus := New(br)

	bus.Write16(0x30, 0x1234)
	if got := bus.Read16(0x30); got != 0x1234 {
		t.Errorf("read back %#04x, want 0x1234", got)
	}
	if got := bus.Read16(0x34); got != 0 {
		t.Errorf("unwritten register reads %#04x", got)
	}
	if err := bus.Err(); err != nil {
		t.Fatal(err)
	}
}

func TestReplyCRCError(t *testing.T) {
	br := &bridge{regs: map[uint16]uint16{0x00: 0x0006}, badCRC: true}
	bus := New(br)

	if got := bus.Read16(0x00); got != 0 {
		t.Errorf("corrupted reply produced value %#04x", got)
	}
	if bus.Err() == nil {
		t.Fatal("CRC error not latched")
	}
}

func TestReplyEchoMismatch(t *testing.T) {
	br := &bridge{regs: make(map[uint16]uint16), badEcho: true}
	bus := New(br)

	bus.Read16(0x2c)
	if bus.Err() == nil {
		t.Fatal("echo mismatch not latched")
	}
}

func TestStickyError(t *testing.T) {
	br := &bridge{regs: map[uint16]uint16{0x34: 0x0140}, badCRC: true}
	bus := New(br)

	bus.Read16(0x34)
	first := bus.Err()
	if first == nil {
		t.Fatal("transport error not latched")
	}

	// Later accesses are dropped, the first error sticks.
	br.badCRC = false
	bus.Write16(0x30, 0xffff)
	if got := bus.Read16(0x34); got != 0 {
		t.Errorf("read after latched error returned %#04x", got)
	}
	if bus.Err() != first {
		t.Error("latched error was overwritten")
	}
	if _, ok := br.regs[0x30]; ok {
		t.Error("write after latched error reached the bridge")
	}
}
