// Package serialbus carries register accesses over a serial debug
// bridge, for driving a controller from a development host instead of
// in-process through a memory mapping.
//
// A request datagram is a sync byte, an operation byte, the register
// offset, a 16-bit value for writes and a trailing CRC. The bridge
// answers a read with a reply datagram echoing the register followed by
// the value.
package serialbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/tarm/serial"
)

const syncByte = 0xa5

const (
	opRead  = 0x01
	opWrite = 0x02
)

// Bus is a register bus over a serial bridge. Transport failures are
// sticky: the first error latches, subsequent accesses are dropped and
// reads return zero. Err reports the latched error.
type Bus struct {
	conn io.ReadWriteCloser
	err  error

	scratch [8]byte
}

// Open connects to the bridge on dev, probing the usual serial devices
// when dev is empty.
func Open(dev string) (*Bus, error) {
	const baudRate = 115200

	var devices []string
	if dev != "" {
		devices = append(devices, dev)
	} else {
		switch runtime.GOOS {
		case "windows":
			devices = append(devices, "COM3")
		case "linux":
			devices = append(devices, "/dev/ttyUSB0", "/dev/ttyUSB1")
		}
	}
	if len(devices) == 0 {
		return nil, errors.New("serialbus: no device specified")
	}
	var firstErr error
	for _, dev := range devices {
		c := &serial.Config{Name: dev, Baud: baudRate}
		s, err := serial.OpenPort(c)
		if err == nil {
			return New(s), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// New wraps an already open bridge connection.
func New(conn io.ReadWriteCloser) *Bus {
	return &Bus{conn: conn}
}

// Err returns the first transport error, if any.
func (b *Bus) Err() error {
	return b.err
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

func (b *Bus) Read16(reg uint16) uint16 {
	if b.err != nil {
		return 0
	}
	req := b.scratch[:5]
	req[0] = syncByte
	req[1] = opRead
	binary.LittleEndian.PutUint16(req[2:], reg)
	req[4] = crc8(req[:4])
	if _, err := b.conn.Write(req); err != nil {
		b.err = fmt.Errorf("serialbus: read %#02x: %w", reg, err)
		return 0
	}

	reply := b.scratch[:6]
	if _, err := io.ReadFull(b.conn, reply); err != nil {
		b.err = fmt.Errorf("serialbus: read %#02x: %w", reg, err)
		return 0
	}
	if crc8(reply[:5]) != reply[5] {
		b.err = fmt.Errorf("serialbus: read %#02x: invalid CRC for reply datagram", reg)
		return 0
	}
	if reply[0] != syncByte {
		b.err = fmt.Errorf("serialbus: read %#02x: invalid sync byte %#02x", reg, reply[0])
		return 0
	}
	if echo := binary.LittleEndian.Uint16(reply[1:]); echo != reg {
		b.err = fmt.Errorf("serialbus: read %#02x: reply for register %#02x", reg, echo)
		return 0
	}
	return binary.LittleEndian.Uint16(reply[3:])
}

func (b *Bus) Write16(reg, val uint16) {
	if b.err != nil {
		return
	}
	req := b.scratch[:7]
	req[0] = syncByte
	req[1] = opWrite
	binary.LittleEndian.PutUint16(req[2:], reg)
	binary.LittleEndian.PutUint16(req[4:], val)
	req[6] = crc8(req[:6])
	if _, err := b.conn.Write(req); err != nil {
		b.err = fmt.Errorf("serialbus: write %#02x: %w", reg, err)
	}
}

func crc8(data []byte) byte {
	crc := byte(0)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			xor := (crc>>7)^(b&0b1) != 0
			crc <<= 1
			b >>= 1
			if xor {
				crc ^= 0b111
			}
		}
	}
	return crc
}
