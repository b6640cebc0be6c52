package fcie

import (
	"encoding/binary"

	"msc313.dev/mmc"
)

// ADMA descriptor layout. The controller walks a chain of 16-byte
// descriptors in memory; the DMA length register is programmed with
// the descriptor size and the block count with 1.
const (
	chainEntrySize = 16
	chainHeaderLen = 0x10

	admaCtrlEnd         = 0b1 << 0
	admaCtrlMIUShift    = 1
	admaCtrlJobCntShift = 16
)

// ChainEntry is one ADMA descriptor: a device-visible buffer span and
// the number of blocks it carries. End marks the last entry of the
// chain.
type ChainEntry struct {
	Addr uint32
	Len  uint32
	End  bool
	Jobs uint32
}

func (e ChainEntry) encode(b []byte) {
	ctrl := e.Jobs << admaCtrlJobCntShift
	if e.End {
		ctrl |= admaCtrlEnd
	}
	binary.LittleEndian.PutUint32(b[0:], ctrl)
	binary.LittleEndian.PutUint32(b[4:], e.Addr)
	binary.LittleEndian.PutUint32(b[8:], e.Len)
	binary.LittleEndian.PutUint32(b[12:], 0)
}

// plan is a prepared transfer: what to program into the DMA address,
// length and block count registers.
type plan struct {
	addr   uint32
	length uint32
	blocks uint16

	// chained transfers point the controller at the descriptor
	// chain instead of the payload.
	chained  bool
	nentries int
	mapped   []byte

	bytes uint32
}

// prepare builds the transfer plan for a data descriptor: direct DMA
// for a single segment, an ADMA descriptor chain for several. The
// descriptor arena is rewritten from scratch; nothing is armed when an
// error is returned.
func (d *Device) prepare(data *mmc.Data) (plan, error) {
	segs := data.Segments
	switch {
	case len(segs) == 0:
		return plan{}, mmc.ErrInvalidRequest
	case len(segs) == 1:
		seg := segs[0]
		return plan{
			addr:   seg.Addr,
			length: seg.Len,
			blocks: uint16(seg.Len / data.BlockSize),
			bytes:  seg.Len,
		}, nil
	case len(segs) > MaxSegments:
		return plan{}, mmc.ErrTooManySegments
	}

	var total uint32
	for i, seg := range segs {
		e := ChainEntry{
			Addr: seg.Addr,
			Len:  seg.Len,
			End:  i == len(segs)-1,
			Jobs: seg.Len / data.BlockSize,
		}
		d.descs[i] = e
		e.encode(d.chain[i*chainEntrySize:])
		total += seg.Len
	}

	if d.dma == nil {
		d.logf("fcie: chained transfer without a DMA mapper")
		return plan{}, mmc.ErrInvalidRequest
	}
	// The chain itself must be device-visible for the duration of
	// the transfer.
	mapped := d.chain[:len(segs)*chainEntrySize]
	addr, err := d.dma.Map(mapped, mmc.DataWrite)
	if err != nil {
		d.logf("fcie: mapping descriptor chain: %v", err)
		return plan{}, mmc.ErrInvalidRequest
	}
	return plan{
		addr:     addr,
		length:   chainHeaderLen,
		blocks:   1,
		chained:  true,
		nentries: len(segs),
		mapped:   mapped,
		bytes:    total,
	}, nil
}

// arm programs the transfer plan into the controller. The job is not
// triggered here; startAndWait does that.
func (d *Device) arm(p *plan, data *mmc.Data) {
	if p.chained {
		d.rm.WriteField(fldADMAEn, 1)
	}
	d.rm.WriteField(fldJobDir, boolBit(data.Dir == mmc.DataWrite))
	d.rm.WriteField(fldDTRXEn, 1)
	d.rm.Write(regBlockSize, uint16(data.BlockSize))
	d.rm.Write(regDMAAddrH, uint16(p.addr>>16))
	d.rm.Write(regDMAAddrL, uint16(p.addr))
	d.rm.Write(regDMALenH, uint16(p.length>>16))
	d.rm.Write(regDMALenL, uint16(p.length))
	d.rm.Write(regBlockCount, p.blocks)
}

// release drops the chain mapping, if any. Safe to call on a direct
// plan.
func (d *Device) release(p *plan) {
	if !p.chained || p.mapped == nil {
		return
	}
	d.dma.Unmap(p.addr, p.mapped, mmc.DataWrite)
	p.mapped = nil
}
