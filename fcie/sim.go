package fcie

import (
	"encoding/binary"
	"errors"
	"sync"

	"msc313.dev/mmc"
)

// Simulator is a software model of the FCIE controller, driven through
// its register interface. It implements regmap.Bus and DMA, and hands
// out an interrupt line, so a Device can run against it unmodified.
//
// The zero-value behavior is a present, idle card; the fault fields
// inject the error conditions the driver has to classify.
type Simulator struct {
	mu   sync.Mutex
	regs map[uint16]uint16
	fifo [8]uint16

	// Mem is the card content, addressed in blocks.
	Mem []byte

	// Response is the payload of the next card response.
	Response [4]uint32

	// Fault injection.
	Removed     bool // error interrupt, empty status
	NoResponse  bool // no-response status bit
	RespCRCErr  bool // response CRC status bit
	DataRdCRC   bool // data read CRC status bit
	DataWrCRC   bool // data write CRC status bit
	StaleOpcode byte // echo this opcode instead of the issued one
	HoldBusy    bool // never raise busy end
	DropJob     bool // accept the job, never complete it
	ResetStuck  bool // reset status never reaches the asserted pattern
	D0Low       bool // DAT0 held low

	// last command frame decoded from the FIFO.
	lastOp  byte
	lastArg uint32
	ops     []byte

	// fake DMA address space.
	mappings map[uint32][]byte
	nextAddr uint32

	statusReads int
	dmaFaults   int

	irq *simIRQ
}

type simIRQ struct {
	events chan struct{}
	done   chan struct{}
}

func (i *simIRQ) Wait() error {
	select {
	case <-i.events:
		return nil
	case <-i.done:
		return errors.New("sim: irq line closed")
	}
}

func (i *simIRQ) Close() error {
	close(i.done)
	return nil
}

func NewSimulator() *Simulator {
	return &Simulator{
		regs:     make(map[uint16]uint16),
		Mem:      make([]byte, 64*MaxBlockSize),
		Response: [4]uint32{0x0000_0900, 0, 0, 0}, // ready, tran state
		mappings: make(map[uint32][]byte),
		nextAddr: 0x2000_0000,
	}
}

// IRQ returns the simulated interrupt line. Without it a Device runs
// the simulator in polling mode.
func (s *Simulator) IRQ() IRQLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.irq == nil {
		s.irq = &simIRQ{
			events: make(chan struct{}, 1),
			done:   make(chan struct{}),
		}
	}
	return s.irq
}

// Map registers p in the simulated bus address space, as the bus/DMA
// subsystem would before submitting a request.
func (s *Simulator) Map(p []byte, dir mmc.DataDir) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.nextAddr
	s.nextAddr += uint32(len(p)+0xfff) &^ 0xfff
	s.mappings[addr] = p
	return addr, nil
}

func (s *Simulator) Unmap(addr uint32, p []byte, dir mmc.DataDir) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, addr)
}

// Mapped reports whether any DMA mappings are still registered.
func (s *Simulator) Mapped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

// Ops returns the opcodes of all command frames transmitted so far.
func (s *Simulator) Ops() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.ops...)
}

// StatusReads reports how many times the status register was read.
func (s *Simulator) StatusReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusReads
}

func (s *Simulator) Read16(reg uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case reg == regSDStatus:
		s.statusReads++
		v := s.regs[reg]
		if !s.D0Low {
			v |= 0b1 << 8 // DAT0 high, bus idle
		}
		return v
	case reg >= regFIFO && reg < regFIFO+uint16(len(s.fifo))*4:
		return s.fifo[(reg-regFIFO)/4]
	}
	return s.regs[reg]
}

func (s *Simulator) Write16(reg, val uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case reg == regInt:
		// Write one to clear.
		s.regs[regInt] &^= val
		return
	case reg == regSDStatus:
		s.regs[regSDStatus] &^= val & 0x7f
		return
	case reg == regReset:
		s.regs[regReset] = val
		if s.ResetStuck {
			return
		}
		if val&0b1 == 0 {
			s.regs[regReset] = val&0b1 | rstAsserted<<1
		} else {
			s.regs[regReset] = val & 0b1
		}
		return
	case reg >= regFIFO && reg < regFIFO+uint16(len(s.fifo))*4:
		s.fifo[(reg-regFIFO)/4] = val
		return
	case reg == regSDCtl:
		// The job start bit is self-clearing.
		s.regs[regSDCtl] = val &^ (0b1 << 6)
		if val&(0b1<<6) != 0 {
			s.startJob(val)
		}
		return
	}
	s.regs[reg] = val
}

// startJob executes one triggered job: command transmission, data
// movement, or both. Called with the lock held.
func (s *Simulator) startJob(ctl uint16) {
	if s.DropJob {
		return
	}

	var flags, status uint16

	cmdEn := ctl&(0b1<<2) != 0
	dtrx := ctl&(0b1<<3) != 0
	busyDet := ctl&(0b1<<8) != 0

	if s.Removed {
		// An ejected card: error interrupt, nothing in the status.
		s.finishJob(intErr, 0)
		return
	}

	if cmdEn {
		s.lastOp, s.lastArg = s.decodeFrame()
		s.ops = append(s.ops, s.lastOp)
		switch {
		case s.NoResponse:
			status |= stsCmdNoRsp
			flags |= intErr
		default:
			flags |= intCmdEnd
			if ctl&(0b1<<1) != 0 { // rsp en
				s.loadResponse()
			}
			if s.RespCRCErr {
				status |= stsCmdRspCRCErr
				flags |= intErr
			}
		}
	}

	if dtrx && flags&intErr == 0 {
		st, ok := s.moveData(ctl)
		status |= st
		if ok {
			flags |= intDataEnd
		}
		if st != 0 {
			flags |= intErr
		}
	}

	if busyDet && !s.HoldBusy {
		flags |= intBusyEnd
	}

	s.finishJob(flags, status)
}

func (s *Simulator) finishJob(flags, status uint16) {
	s.regs[regInt] |= flags
	s.regs[regSDStatus] |= status
	if s.irq != nil && s.regs[regIntMask]&flags != 0 {
		select {
		case s.irq.events <- struct{}{}:
		default:
		}
	}
}

func (s *Simulator) decodeFrame() (byte, uint32) {
	var frame [6]byte
	for i := range s.fifo[:3] {
		frame[i*2] = byte(s.fifo[i])
		frame[i*2+1] = byte(s.fifo[i] >> 8)
	}
	return frame[0] &^ 0x40, binary.BigEndian.Uint32(frame[1:5])
}

// loadResponse fills the FIFO with the echoed opcode followed by the
// big-endian response payload, sized per the response size register.
func (s *Simulator) loadResponse() {
	rspSize := int(s.regs[regCmdRspSize] & 0xff)
	if rspSize == 0 {
		return
	}
	var buf [17]byte
	buf[0] = s.lastOp
	if s.StaleOpcode != 0 {
		buf[0] = s.StaleOpcode
	}
	for i, w := range s.Response {
		binary.BigEndian.PutUint32(buf[1+i*4:], w)
	}
	for i := 0; i < (rspSize+1)/2; i++ {
		s.fifo[i] = uint16(buf[i*2]) | uint16(buf[i*2+1])<<8
	}
}

// moveData performs the DMA transfer described by the armed registers,
// walking the descriptor chain when ADMA is enabled. It returns the
// data status bits and whether the transfer completed.
func (s *Simulator) moveData(ctl uint16) (uint16, bool) {
	write := ctl&(0b1<<4) != 0
	adma := ctl&(0b1<<5) != 0

	addr := uint32(s.regs[regDMAAddrH])<<16 | uint32(s.regs[regDMAAddrL])
	length := uint32(s.regs[regDMALenH])<<16 | uint32(s.regs[regDMALenL])
	blkSz := uint32(s.regs[regBlockSize])

	type span struct {
		addr uint32
		len  uint32
	}
	var spans []span
	if adma {
		chain, ok := s.mappings[addr]
		if !ok {
			s.dmaFaults++
			return 0, false
		}
		for off := 0; off+chainEntrySize <= len(chain); off += chainEntrySize {
			ctrl := binary.LittleEndian.Uint32(chain[off:])
			spans = append(spans, span{
				addr: binary.LittleEndian.Uint32(chain[off+4:]),
				len:  binary.LittleEndian.Uint32(chain[off+8:]),
			})
			if ctrl&admaCtrlEnd != 0 {
				break
			}
		}
	} else {
		spans = []span{{addr, length}}
	}

	off := int(s.lastArg) * int(blkSz)
	for _, sp := range spans {
		p, ok := s.mappings[sp.addr]
		if !ok || uint32(len(p)) < sp.len {
			s.dmaFaults++
			return 0, false
		}
		p = p[:sp.len]
		if write {
			copy(s.Mem[off:], p)
		} else {
			copy(p, s.Mem[off:])
		}
		off += len(p)
	}

	var status uint16
	if !write && s.DataRdCRC {
		status |= stsDatRdCRCErr
	}
	if write && s.DataWrCRC {
		status |= stsDatWrCRCErr
	}
	return status, true
}
