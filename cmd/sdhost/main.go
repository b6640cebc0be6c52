// Command sdhost exercises an FCIE SD host controller: it resets the
// controller, brings up the bus and reads or writes card blocks. The
// controller can be reached through /dev/mem, a UIO device, a serial
// register bridge, or run entirely against the built-in simulator.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"msc313.dev/carddet"
	"msc313.dev/fcie"
	"msc313.dev/mmc"
	"msc313.dev/mmio"
	"msc313.dev/regmap"
	"msc313.dev/serialbus"
	"msc313.dev/trace"
)

var (
	busKind   = flag.String("bus", "sim", "register bus: sim, mem, uio or serial")
	memBase   = flag.String("base", "0x1f002800", "register bank physical address for -bus mem")
	uioName   = flag.String("uio", "uio0", "UIO device for -bus uio")
	serialDev = flag.String("device", "", "serial device for -bus serial")
	bounce    = flag.String("bounce", "", "physical address of a reserved DMA bounce buffer")
	cdPin     = flag.String("cd", "", "card detect GPIO name")
	clockMHz  = flag.Int("clock", 24, "bus clock in MHz")
	busWidth  = flag.Int("width", 4, "bus width in bits")
	block     = flag.Uint("block", 0, "first block address")
	count     = flag.Uint("count", 1, "number of blocks")
	doWrite   = flag.Bool("write", false, "write pattern blocks instead of reading")
	traceOut  = flag.String("trace", "", "write a register trace to this file")
)

const (
	blockSize = 512
	// The register bank spans a single 8KiB RIU page.
	bankSize = 0x2000
)

func main() {
	flag.Parse()
	if err := run(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sdhost: %v\n", err)
		os.Exit(2)
	}
}

func run(stdout io.Writer) error {
	if *count == 0 || *count > fcie.MaxBlockCount {
		return fmt.Errorf("block count %d out of range", *count)
	}

	var (
		bus     regmap.Bus
		opts    fcie.Options
		sim     *fcie.Simulator
		cleanup []func() error
	)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	switch *busKind {
	case "sim":
		sim = fcie.NewSimulator()
		for i := range sim.Mem {
			sim.Mem[i] = byte(i)
		}
		bus = sim
		opts.IRQ = sim.IRQ()
		opts.DMA = sim
	case "mem":
		base, err := strconv.ParseUint(*memBase, 0, 32)
		if err != nil {
			return fmt.Errorf("-base: %w", err)
		}
		region, err := mmio.Map("/dev/mem", int64(base), bankSize)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, region.Close)
		bus = region
	case "uio":
		region, irq, err := mmio.OpenUIO(*uioName, bankSize)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, region.Close)
		bus = region
		opts.IRQ = irq
	case "serial":
		sb, err := serialbus.Open(*serialDev)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, sb.Close)
		bus = sb
	default:
		return fmt.Errorf("unknown bus %q", *busKind)
	}

	var tr *trace.Bus
	if *traceOut != "" {
		tr = trace.Wrap(bus)
		bus = tr
	}

	if *cdPin != "" {
		if _, err := host.Init(); err != nil {
			return err
		}
		pin := gpioreg.ByName(*cdPin)
		if pin == nil {
			return fmt.Errorf("no GPIO named %q", *cdPin)
		}
		slot := carddet.Slot{Detect: pin}
		if !slot.Present() {
			return errors.New("no card in slot")
		}
		if *doWrite && slot.ReadOnly() {
			return errors.New("card is write protected")
		}
	}

	d := fcie.New(bus, opts)
	defer d.Close()

	if err := d.Reset(); err != nil {
		return err
	}
	if err := d.SetClock(physic.Frequency(*clockMHz) * physic.MegaHertz); err != nil {
		return err
	}
	if err := d.SetBusWidth(*busWidth); err != nil {
		return err
	}

	idle := mmc.GoIdleState()
	d.Submit(&mmc.Request{Cmd: idle})
	if idle.Err != nil {
		return fmt.Errorf("cmd0: %w", idle.Err)
	}

	length := uint32(*count) * blockSize
	buf, seg, release, err := dmaBuffer(sim, length)
	if err != nil {
		return err
	}
	defer release()

	if *doWrite {
		err = writeBlocks(d, buf, seg, stdout)
	} else {
		err = readBlocks(d, buf, seg, stdout)
	}
	if err != nil {
		return err
	}

	if tr != nil {
		f, cerr := os.Create(*traceOut)
		if cerr != nil {
			return cerr
		}
		defer f.Close()
		return tr.WriteTo(f)
	}
	return nil
}

// dmaBuffer provides a device-visible payload buffer: the simulator
// maps process memory directly, hardware buses use the reserved bounce
// buffer given on the command line.
func dmaBuffer(sim *fcie.Simulator, length uint32) ([]byte, mmc.Segment, func(), error) {
	if sim != nil {
		buf := make([]byte, length)
		addr, err := sim.Map(buf, mmc.DataRead)
		if err != nil {
			return nil, mmc.Segment{}, nil, err
		}
		seg := mmc.Segment{Addr: addr, Len: length}
		return buf, seg, func() { sim.Unmap(addr, buf, mmc.DataRead) }, nil
	}
	if *bounce == "" {
		return nil, mmc.Segment{}, nil, errors.New("hardware buses need -bounce")
	}
	base, err := strconv.ParseUint(*bounce, 0, 32)
	if err != nil {
		return nil, mmc.Segment{}, nil, fmt.Errorf("-bounce: %w", err)
	}
	region, err := mmio.Map("/dev/mem", int64(base), int(length))
	if err != nil {
		return nil, mmc.Segment{}, nil, err
	}
	seg := mmc.Segment{Addr: uint32(base), Len: length}
	return region.Bytes(), seg, func() { region.Close() }, nil
}

func readBlocks(d *fcie.Device, buf []byte, seg mmc.Segment, stdout io.Writer) error {
	cmd := mmc.ReadSingleBlock(uint32(*block))
	req := &mmc.Request{Cmd: cmd}
	if *count > 1 {
		cmd.Opcode = mmc.CmdReadMultiBlock
		req.SBC = mmc.SetBlockCount(uint32(*count))
		req.Stop = mmc.StopTransmission()
	}
	data := &mmc.Data{
		Dir:       mmc.DataRead,
		BlockSize: blockSize,
		Segments:  []mmc.Segment{seg},
		Timeout:   time.Second,
	}
	req.Data = data
	d.Submit(req)
	if cmd.Err != nil {
		return fmt.Errorf("read: %w", cmd.Err)
	}
	if data.Err != nil {
		return fmt.Errorf("read: %w", data.Err)
	}
	fmt.Fprintf(stdout, "read %d bytes from block %d, card status %#08x\n", data.Bytes, *block, cmd.Response[0])
	_, err := io.WriteString(stdout, hex.Dump(buf))
	return err
}

func writeBlocks(d *fcie.Device, buf []byte, seg mmc.Segment, stdout io.Writer) error {
	for i := range buf {
		b := uint64(i) + uint64(*block)*blockSize
		buf[i] = byte(b)
	}
	cmd := mmc.WriteBlock(uint32(*block))
	req := &mmc.Request{Cmd: cmd}
	if *count > 1 {
		cmd.Opcode = mmc.CmdWriteMultiBlock
		req.SBC = mmc.SetBlockCount(uint32(*count))
		req.Stop = mmc.StopTransmission()
	}
	data := &mmc.Data{
		Dir:       mmc.DataWrite,
		BlockSize: blockSize,
		Segments:  []mmc.Segment{seg},
		Timeout:   time.Second,
	}
	req.Data = data
	d.Submit(req)
	if cmd.Err != nil {
		return fmt.Errorf("write: %w", cmd.Err)
	}
	if data.Err != nil {
		return fmt.Errorf("write: %w", data.Err)
	}
	fmt.Fprintf(stdout, "wrote %d bytes at block %d\n", data.Bytes, *block)
	return nil
}
