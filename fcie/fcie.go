// Package fcie implements a driver for the FCIE (flash card interface
// engine) SD/MMC host controller found in the MStar MSC313 family of
// SoCs, version 5 of the controller in its reduced "sdio" form.
//
// The controller exposes 16-bit registers at a stride of 4 bytes. A
// transfer is programmed through the control registers, triggered with
// the job-start bit and completed either by interrupt or by polling the
// event register. Data moves by DMA, directly for a single buffer
// segment or through a chain of ADMA descriptors for scatter-gather
// payloads.
package fcie

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"

	"msc313.dev/mmc"
	"msc313.dev/regmap"
)

// Register map.
//
// 0x00 - interrupt/event status
//      7        |     6       |      5      |       4      |     3    |    2    |    1    |     0
// card 2 change | card change | r2n rdy int | busy end int | sdio int | err sts | cmd end | data end
//
// 0x04 - interrupt mask, same layout
// 0x0c/0x10 - dma address, low/high word
// 0x14/0x18 - dma length, low/high word
// 0x1c - function control: sdio mode | sd en | emmc
// 0x20 - job block count
// 0x24 - block size
// 0x28 - cmd/rsp size: cmd size in 15-8, rsp size in 7-0
// 0x2c - sd mode: bus width 8 | bus width 4 | clk en
// 0x30 - sd control, triggers transfers
//      9     |      8      |    7    |     6     |    5    |    4    |    3    |   2    |   1    |    0
// err det on | busy det on | chk cmd | job start | adma en | job dir | dtrx en | cmd en | rsp en | rspr2 en
// 0x34 - sd status: dat7-0 in 15-8, then
//    7 | card busy | dat rd tout | cmdrsp cerr | cmd norsp | dat wr tout | dat wr cerr | dat rd cerr
// 0x80..0xa0 - cmd/rsp fifo
// 0xfc - reset: ecc status | mcu status | mie status | miu status | sw rst
const (
	regInt        = 0x00
	regIntMask    = 0x04
	regDMAAddrL   = 0x0c
	regDMAAddrH   = 0x10
	regDMALenL    = 0x14
	regDMALenH    = 0x18
	regFuncCtrl   = 0x1c
	regBlockCount = 0x20
	regBlockSize  = 0x24
	regCmdRspSize = 0x28
	regSDMode     = 0x2c
	regSDCtl      = 0x30
	regSDStatus   = 0x34
	regDDRMode    = 0x3c
	regFIFO       = 0x80
	regReset      = 0xfc
)

// Interrupt/event status bits.
const (
	intDataEnd     = 0b1 << 0
	intCmdEnd      = 0b1 << 1
	intErr         = 0b1 << 2
	intSDIO        = 0b1 << 3
	intBusyEnd     = 0b1 << 4
	intR2NReady    = 0b1 << 5
	intCardChange  = 0b1 << 6
	intCard2Change = 0b1 << 7
)

// SD status bits.
const (
	stsDatRdCRCErr  = 0b1 << 0
	stsDatWrCRCErr  = 0b1 << 1
	stsDatWrTimeout = 0b1 << 2
	stsCmdNoRsp     = 0b1 << 3
	stsCmdRspCRCErr = 0b1 << 4
	stsDatRdTimeout = 0b1 << 5
	stsCardBusy     = 0b1 << 6
)

// Register fields.
var (
	fldClkEn    = regmap.Field{Reg: regSDMode, Shift: 0, Width: 1}
	fldBusWidth = regmap.Field{Reg: regSDMode, Shift: 1, Width: 2}

	fldRspR2En   = regmap.Field{Reg: regSDCtl, Shift: 0, Width: 1}
	fldRspEn     = regmap.Field{Reg: regSDCtl, Shift: 1, Width: 1}
	fldCmdEn     = regmap.Field{Reg: regSDCtl, Shift: 2, Width: 1}
	fldDTRXEn    = regmap.Field{Reg: regSDCtl, Shift: 3, Width: 1}
	fldJobDir    = regmap.Field{Reg: regSDCtl, Shift: 4, Width: 1}
	fldADMAEn    = regmap.Field{Reg: regSDCtl, Shift: 5, Width: 1}
	fldJobStart  = regmap.Field{Reg: regSDCtl, Shift: 6, Width: 1}
	fldChkCmd    = regmap.Field{Reg: regSDCtl, Shift: 7, Width: 1}
	fldBusyDetEn = regmap.Field{Reg: regSDCtl, Shift: 8, Width: 1}
	fldErrDetEn  = regmap.Field{Reg: regSDCtl, Shift: 9, Width: 1}

	fldRspSize = regmap.Field{Reg: regCmdRspSize, Shift: 0, Width: 8}
	fldCmdSize = regmap.Field{Reg: regCmdRspSize, Shift: 8, Width: 8}

	fldStatus   = regmap.Field{Reg: regSDStatus, Shift: 0, Width: 7}
	fldCardBusy = regmap.Field{Reg: regSDStatus, Shift: 6, Width: 1}
	fldD0       = regmap.Field{Reg: regSDStatus, Shift: 8, Width: 1}

	fldNRst = regmap.Field{Reg: regReset, Shift: 0, Width: 1}
	// There are 4 documented reset status bits but only the first
	// three ever assert.
	fldRstStatus = regmap.Field{Reg: regReset, Shift: 1, Width: 3}

	fldFuncCtrl = regmap.Field{Reg: regFuncCtrl, Shift: 0, Width: 3}
)

const (
	funcCtrlSDIO = 0b100

	// rstAsserted is the reset status pattern while the reset line
	// is held low.
	rstAsserted = 0b111
)

// Controller limits.
const (
	MaxBlockSize  = 512
	MaxBlockCount = 128
	// MaxSegments is the capacity of the ADMA descriptor chain.
	MaxSegments = 64
)

// Timeouts.
const (
	// defaultCmdTimeout bounds command-only waits when the command
	// does not carry its own busy timeout.
	defaultCmdTimeout = 100 * time.Millisecond

	// d0IdleTimeout bounds the DAT0 idle poll that settles a data
	// transfer before it is declared complete.
	d0IdleTimeout = time.Millisecond

	resetPollInterval = 10 * time.Millisecond
	resetPollTimeout  = 100 * time.Millisecond

	// defaultPollSettle is the wait after triggering a job before the
	// event flags may be polled. Reading them too early makes the
	// controller corrupt memory, probably because the flags are stale.
	defaultPollSettle   = 100 * time.Millisecond
	defaultPollInterval = 10 * time.Millisecond
	defaultPollTimeout  = 10 * time.Second
)

// IRQLine delivers controller interrupts. Wait blocks until the next
// interrupt fires or the line is closed.
type IRQLine interface {
	Wait() error
	Close() error
}

// DMA maps host memory for device access. The driver uses it for the
// ADMA descriptor chain; payload buffers reach the driver already
// mapped as device-visible segments.
type DMA interface {
	// Map makes p visible to the device and returns its bus address.
	Map(p []byte, dir mmc.DataDir) (uint32, error)
	Unmap(addr uint32, p []byte, dir mmc.DataDir)
}

// Clock controls the controller's bus clock rate. The clock gate
// itself lives in the controller's own registers.
type Clock interface {
	RoundRate(f physic.Frequency) (physic.Frequency, error)
	SetRate(f physic.Frequency) error
}

// Regulator switches the card's power rail.
type Regulator interface {
	Set(on bool) error
}

// LogFunc receives non-fatal diagnostics: spurious interrupts, leftover
// status bits and register snapshots on errors.
type LogFunc func(format string, args ...interface{})

// Options configure a Device.
type Options struct {
	// IRQ is the controller interrupt line. When nil the driver falls
	// back to polling the event register.
	IRQ IRQLine
	// DMA maps the ADMA descriptor chain. Without it only
	// single-segment transfers are possible.
	DMA DMA

	Clock     Clock
	Regulator Regulator
	Log       LogFunc

	// Polling mode tuning; zero values select the defaults.
	PollSettle   time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Device drives one FCIE controller. Requests are processed one at a
// time; see mmc.Request.
type Device struct {
	rm  *regmap.Regmap
	dma DMA
	clk Clock
	reg Regulator
	log LogFunc

	irq     IRQLine
	polling bool

	pollSettle   time.Duration
	pollInterval time.Duration
	pollTimeout  time.Duration

	// Completion latches, written by the interrupt path and read by
	// the transfer path.
	mu       sync.Mutex
	wake     chan struct{}
	cmdDone  bool
	dataDone bool
	busyDone bool
	errSeen  bool

	// One request in flight at a time.
	reqMu sync.Mutex

	// ADMA descriptor arena, fully rewritten for every chained
	// transfer.
	descs [MaxSegments]ChainEntry
	chain [MaxSegments * chainEntrySize]byte
}

// New initializes a Device over the given register bus. The controller
// is put in SDIO function mode. If opts.IRQ is nil the device uses
// polling completion.
func New(b regmap.Bus, opts Options) *Device {
	d := &Device{
		rm:           regmap.New(b),
		dma:          opts.DMA,
		clk:          opts.Clock,
		reg:          opts.Regulator,
		log:          opts.Log,
		irq:          opts.IRQ,
		wake:         make(chan struct{}, 1),
		pollSettle:   opts.PollSettle,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
	}
	if d.pollSettle == 0 {
		d.pollSettle = defaultPollSettle
	}
	if d.pollInterval == 0 {
		d.pollInterval = defaultPollInterval
	}
	if d.pollTimeout == 0 {
		d.pollTimeout = defaultPollTimeout
	}
	d.rm.WriteField(fldFuncCtrl, funcCtrlSDIO)
	if d.irq == nil {
		d.polling = true
	} else {
		go d.serveIRQ()
	}
	return d
}

// Close shuts down the interrupt service goroutine, if any.
func (d *Device) Close() error {
	if d.irq != nil {
		return d.irq.Close()
	}
	return nil
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.log != nil {
		d.log(format, args...)
	}
}

// SetBusWidth selects a 1, 4 or 8 bit wide data bus.
func (d *Device) SetBusWidth(width int) error {
	var bw uint16
	switch width {
	case 1:
		bw = 0
	case 4:
		bw = 1
	case 8:
		bw = 2
	default:
		return fmt.Errorf("fcie: unsupported bus width %d", width)
	}
	d.rm.WriteField(fldBusWidth, bw)
	return nil
}

// SetClock sets the bus clock rate, or gates the clock when f is zero.
// The requested rate is rounded to what the clock can provide.
func (d *Device) SetClock(f physic.Frequency) error {
	d.rm.WriteField(fldClkEn, 0)
	if f == 0 {
		return nil
	}
	if d.clk != nil {
		rounded, err := d.clk.RoundRate(f)
		if err != nil {
			d.logf("fcie: rounding clock to %v: %v, leaving clock alone", f, err)
		} else if err := d.clk.SetRate(rounded); err != nil {
			return fmt.Errorf("fcie: set clock: %w", err)
		}
	}
	d.rm.WriteField(fldClkEn, 1)
	return nil
}

// SetPower switches the card power rail.
func (d *Device) SetPower(on bool) error {
	if d.reg == nil {
		return nil
	}
	if err := d.reg.Set(on); err != nil {
		return fmt.Errorf("fcie: set power: %w", err)
	}
	return nil
}

// Reset drives the controller's reset line low until the reset status
// reads fully asserted, then releases it and waits for the status to
// clear. On timeout the line is left as last written.
func (d *Device) Reset() error {
	// The vendor driver clears the control register first, "for safe".
	d.rm.Write(regSDCtl, 0)

	d.rm.ForceWriteField(fldNRst, 0)
	if !d.pollField(fldRstStatus, rstAsserted, resetPollInterval, resetPollTimeout) {
		return fmt.Errorf("fcie: reset did not assert: %w", mmc.ErrResetFailed)
	}
	d.rm.ForceWriteField(fldNRst, 1)
	if !d.pollField(fldRstStatus, 0, resetPollInterval, resetPollTimeout) {
		return fmt.Errorf("fcie: reset did not release: %w", mmc.ErrResetFailed)
	}
	return nil
}

// pollField polls f until it reads want. It reports false when timeout
// elapses first.
func (d *Device) pollField(f regmap.Field, want uint16, interval, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if d.rm.ReadField(f) == want {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

// pollD0Idle waits for the DAT0 line to go high, with a short timeout.
// The transfer is settled either way.
func (d *Device) pollD0Idle() {
	deadline := time.Now().Add(d0IdleTimeout)
	for d.rm.ReadField(fldD0) == 0 {
		if time.Now().After(deadline) {
			return
		}
		runtime.Gosched()
	}
}
