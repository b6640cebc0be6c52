//go:build linux

// Package mmio maps a controller register bank into the process and
// implements the 16-bit register bus over it. The bank can come from
// /dev/mem at a physical address or from a UIO device, which also
// provides the interrupt line.
package mmio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a memory-mapped register bank. Registers are 16 bits wide
// at a stride of 4 bytes.
type Region struct {
	f    *os.File
	mmap []byte
}

// Map maps size bytes of the device file at offset. For /dev/mem the
// offset is the physical address of the register bank; UIO devices map
// their first region at offset 0.
func Map(path string, offset int64, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: %w", err)
	}
	mmap, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmio: mmap %s: %w", path, err)
	}
	return &Region{
		f:    f,
		mmap: mmap,
	}, nil
}

// Read16 performs a single 16-bit load from the register slot. The
// access width matters; wider loads touch the reserved upper half of
// the slot.
func (r *Region) Read16(reg uint16) uint16 {
	return *(*uint16)(unsafe.Pointer(unsafe.SliceData(r.mmap[reg:])))
}

func (r *Region) Write16(reg, val uint16) {
	*(*uint16)(unsafe.Pointer(unsafe.SliceData(r.mmap[reg:]))) = val
}

// Bytes returns the raw mapped bytes, for regions used as plain
// buffers rather than register banks.
func (r *Region) Bytes() []byte {
	return r.mmap
}

func (r *Region) Close() error {
	if err := unix.Munmap(r.mmap); err != nil {
		r.f.Close()
		return fmt.Errorf("mmio: munmap: %w", err)
	}
	return r.f.Close()
}

// IRQ delivers interrupts through a UIO device file. Each Wait
// re-enables the interrupt and blocks until the kernel reports the
// next event.
type IRQ struct {
	f *os.File
}

func OpenIRQ(path string) (*IRQ, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: %w", err)
	}
	return &IRQ{f: f}, nil
}

func (i *IRQ) Wait() error {
	var buf [4]byte
	// Unmask the interrupt, then block on the event counter.
	binary.LittleEndian.PutUint32(buf[:], 1)
	if _, err := i.f.Write(buf[:]); err != nil {
		return fmt.Errorf("mmio: irq unmask: %w", err)
	}
	if _, err := io.ReadFull(i.f, buf[:]); err != nil {
		return fmt.Errorf("mmio: irq wait: %w", err)
	}
	return nil
}

func (i *IRQ) Close() error {
	return i.f.Close()
}

// OpenUIO opens a UIO device by name (such as "uio0"), mapping its
// first region and its interrupt line.
func OpenUIO(name string, size int) (*Region, *IRQ, error) {
	dev := "/dev/" + name
	region, err := Map(dev, 0, size)
	if err != nil {
		return nil, nil, err
	}
	irq, err := OpenIRQ(dev)
	if err != nil {
		region.Close()
		return nil, nil, err
	}
	return region, irq, nil
}
