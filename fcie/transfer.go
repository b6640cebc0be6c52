package fcie

import (
	"encoding/binary"
	"time"

	"msc313.dev/mmc"
)

// cmdFrameMarker is the start+transmission marker set on the first
// byte of every command frame.
const cmdFrameMarker = 0x40

// await names the completion latches a wait requires. The error latch
// always short-circuits a wait; it is interpreted by the caller from
// the final status snapshot.
type await struct {
	cmd  bool
	data bool
	busy bool
}

// serveIRQ runs on its own goroutine in interrupt mode and turns
// controller interrupts into latch updates.
func (d *Device) serveIRQ() {
	for {
		if err := d.irq.Wait(); err != nil {
			return
		}
		d.handleInterrupt()
	}
}

func (d *Device) handleInterrupt() {
	d.parseAndClearIntFlags()

	d.mu.Lock()
	wake := d.cmdDone || d.dataDone || d.busyDone || d.errSeen
	d.mu.Unlock()
	if wake {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// parseAndClearIntFlags reads and clears the event register and folds
// the known bits into the completion latches.
func (d *Device) parseAndClearIntFlags() uint16 {
	flags := d.rm.Read(regInt)
	d.rm.Write(regInt, ^uint16(0))
	d.parseIntFlags(flags)
	return flags
}

func (d *Device) parseIntFlags(flags uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags&intCmdEnd != 0 {
		if d.cmdDone {
			d.logf("fcie: spurious cmd end interrupt")
		}
		d.cmdDone = true
		flags &^= intCmdEnd
	}
	if flags&intDataEnd != 0 {
		if d.dataDone {
			d.logf("fcie: spurious data end interrupt")
		}
		d.dataDone = true
		flags &^= intDataEnd
	}
	if flags&intBusyEnd != 0 {
		if d.busyDone {
			d.logf("fcie: spurious busy end interrupt")
		}
		d.busyDone = true
		flags &^= intBusyEnd
	}
	if flags&intErr != 0 {
		if d.errSeen {
			d.logf("fcie: spurious error interrupt")
		}
		d.errSeen = true
		flags &^= intErr
	}
	if flags != 0 {
		d.logf("fcie: left over interrupt flags: %#02x", flags)
	}
}

// satisfied reports whether all latches required by need are set, or
// the error latch fired.
func (d *Device) satisfied(need await) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.errSeen {
		return true
	}
	ok := true
	if need.cmd {
		ok = ok && d.cmdDone
	}
	if need.data {
		ok = ok && d.dataDone
	}
	if need.busy {
		ok = ok && d.busyDone
	}
	return ok
}

func (d *Device) latch(get func() bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return get()
}

// startAndWait clears the status and latches, arms the interrupt mask,
// triggers the job and waits for the required completion latches. It
// returns the final status snapshot; a nil error means only that the
// wait completed, the caller interprets the snapshot.
func (d *Device) startAndWait(need await, timeout time.Duration) (uint16, error) {
	// Clear the status bits and latches from the previous transfer.
	d.rm.ForceWriteField(fldStatus, ^uint16(0))
	d.mu.Lock()
	d.cmdDone = false
	d.dataDone = false
	d.busyDone = false
	d.errSeen = false
	d.mu.Unlock()
	select {
	case <-d.wake:
	default:
	}

	var mask uint16 = intErr
	if need.cmd {
		mask |= intCmdEnd
	}
	if need.data {
		mask |= intDataEnd
	}
	if need.busy {
		mask |= intBusyEnd
	}
	d.rm.Write(regIntMask, mask)

	if d.rm.ReadField(fldJobStart) != 0 {
		d.logf("fcie: job start was 1 before triggering")
	}
	d.rm.ForceWriteField(fldJobStart, 1)

	if d.polling {
		if err := d.waitPolling(need); err != nil {
			d.rm.Write(regIntMask, 0)
			return 0, err
		}
	} else {
		if err := d.waitInterrupt(need, timeout); err != nil {
			d.rm.Write(regIntMask, 0)
			return 0, err
		}
	}

	status := d.rm.ReadField(fldStatus)
	if d.latch(func() bool { return d.errSeen }) {
		d.logErrSnapshot(status, need)
	}
	d.rm.Write(regIntMask, 0)

	// An ejected card raises the error interrupt with no status bits
	// at all. Report that as a timeout; real status errors are
	// classified by the caller.
	if d.latch(func() bool { return d.errSeen }) && status == 0 {
		return status, mmc.ErrTimeout
	}
	return status, nil
}

// waitPolling polls the event register until the required latches are
// set. The settle delay before the first read is a hardware
// requirement; polling earlier corrupts controller memory.
func (d *Device) waitPolling(need await) error {
	time.Sleep(d.pollSettle)
	deadline := time.Now().Add(d.pollTimeout)
	for {
		flags := d.rm.Read(regInt)
		d.rm.Write(regInt, ^uint16(0))
		d.parseIntFlags(flags)
		if d.satisfied(need) {
			return nil
		}
		if time.Now().After(deadline) {
			d.logf("fcie: timeout while polling")
			return mmc.ErrTimeout
		}
		time.Sleep(d.pollInterval)
	}
}

// waitInterrupt waits on each required latch in turn, waking on latch
// changes from the interrupt path. The error latch ends any wait.
func (d *Device) waitInterrupt(need await, timeout time.Duration) error {
	if need.cmd {
		if !d.waitLatch(func() bool { return d.cmdDone || d.errSeen }, timeout) {
			return d.irqTimeout(need, timeout)
		}
	}
	if need.data {
		if !d.waitLatch(func() bool { return d.dataDone || d.errSeen }, timeout) {
			return d.irqTimeout(need, timeout)
		}
	}
	if need.busy {
		if !d.waitLatch(func() bool { return d.busyDone || d.errSeen }, timeout) {
			return d.irqTimeout(need, timeout)
		}
	}
	return nil
}

// waitLatch blocks until cond holds or timeout elapses. It returns
// immediately when cond already holds.
func (d *Device) waitLatch(cond func() bool, timeout time.Duration) bool {
	if d.latch(cond) {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-d.wake:
			if d.latch(cond) {
				return true
			}
		case <-timer.C:
			return d.latch(cond)
		}
	}
}

// irqTimeout handles an expired interrupt wait: the interrupt may have
// been lost, so the event register is parsed once more before giving
// up.
func (d *Device) irqTimeout(need await, timeout time.Duration) error {
	flags := d.parseAndClearIntFlags()
	ctrl := d.rm.Read(regSDCtl)
	blkcnt := d.rm.Read(regBlockCount)
	blksz := d.rm.Read(regBlockSize)
	cmdrspsz := d.rm.Read(regCmdRspSize)
	d.logf("fcie: timeout waiting for interrupt, timeout: %v, int: %#04x, ctrl: %#04x, blksz: %#04x, blkcnt: %#04x, cmdrspsz: %#04x",
		timeout, flags, ctrl, blksz, blkcnt, cmdrspsz)
	if d.satisfied(need) {
		// The completion raced the timer.
		return nil
	}
	return mmc.ErrTimeout
}

func (d *Device) logErrSnapshot(status uint16, need await) {
	ctrl := d.rm.Read(regSDCtl)
	blkcnt := d.rm.Read(regBlockCount)
	blksz := d.rm.Read(regBlockSize)
	cmdrspsz := d.rm.Read(regCmdRspSize)
	d.mu.Lock()
	cmdDone, dataDone, busyDone := d.cmdDone, d.dataDone, d.busyDone
	d.mu.Unlock()
	d.logf("fcie: err during job; status: %#04x, ctrl: %#04x, blksz: %#04x, blkcnt: %#04x, cmdrspsz: %#04x",
		status, ctrl, blksz, blkcnt, cmdrspsz)
	d.logf("fcie: err during job; cmd %t (%t), data %t (%t), busy %t (%t)",
		cmdDone, need.cmd, dataDone, need.data, busyDone, need.busy)
}

// setupCmd clears stale transfer control state, loads the command frame
// into the FIFO and programs the response shape. It returns the number
// of response bytes to expect.
func (d *Device) setupCmd(cmd *mmc.Command) int {
	d.rm.Write(regSDCtl, 0)

	d.writeCmdFrame(cmd.Opcode, cmd.Arg)

	rspSize := 0
	d.rm.WriteField(fldRspEn, 0)
	d.rm.WriteField(fldRspR2En, 0)
	switch cmd.Resp {
	case mmc.RespShort:
		d.rm.WriteField(fldRspEn, 1)
		rspSize = 5
	case mmc.RespLong:
		d.rm.WriteField(fldRspEn, 1)
		d.rm.WriteField(fldRspR2En, 1)
		rspSize = 16
	}

	d.rm.WriteField(fldBusyDetEn, boolBit(cmd.Busy))
	d.rm.WriteField(fldErrDetEn, boolBit(cmd.CRC))
	d.rm.WriteField(fldCmdEn, 1)
	// Command frames are always 5 bytes plus CRC.
	d.rm.WriteField(fldCmdSize, 5)
	d.rm.WriteField(fldRspSize, uint16(rspSize))

	return rspSize
}

// writeCmdFrame encodes the 6-byte command frame and writes it to the
// FIFO, two bytes per register.
func (d *Device) writeCmdFrame(opcode uint8, arg uint32) {
	var frame [6]byte
	frame[0] = opcode | cmdFrameMarker
	binary.BigEndian.PutUint32(frame[1:5], arg)
	for i := 0; i < len(frame)/2; i++ {
		w := uint16(frame[i*2]) | uint16(frame[i*2+1])<<8
		d.rm.Write(regFIFO+uint16(i*4), w)
	}
}

// captureResult interprets the final status for a completed command
// and, when everything is good and a response is expected, reads it
// out of the FIFO. It records the outcome on cmd.Err.
func (d *Device) captureResult(cmd *mmc.Command, status uint16, rspSize int) error {
	// The no-response flag is rarely seen: a removed card usually
	// shows up as an error interrupt with an empty status instead.
	if status&stsCmdNoRsp != 0 {
		d.logf("fcie: no response from card, removed?")
		cmd.Err = mmc.ErrNoResponse
		return cmd.Err
	}

	if status&stsCmdRspCRCErr != 0 {
		// The CRC flag fires spuriously for responses that carry no
		// CRC; only trust it when the command expects one.
		if cmd.CRC {
			cmd.Err = mmc.ErrCRC
			return cmd.Err
		}
		status &^= stsCmdRspCRCErr
	}

	// Card busy is not an error; the response is not valid yet.
	if status&stsCardBusy != 0 {
		return nil
	}

	if status != 0 {
		d.logf("fcie: unhandled status bits: %#x", status)
	}

	if rspSize > 0 {
		if err := d.readResponse(cmd, rspSize); err != nil {
			cmd.Err = err
			return cmd.Err
		}
	}
	return nil
}

// readResponse reads rspSize response bytes from the FIFO, strips the
// leading echoed opcode and reassembles the rest as big-endian words.
// The FIFO content can be stale when the error interrupt failed to
// fire, so the echoed opcode is verified when the command allows it.
func (d *Device) readResponse(cmd *mmc.Command, rspSize int) error {
	var buf [16]byte
	n := 0
	words := (rspSize + 1) / 2
	for i := 0; i < words; i++ {
		v := d.rm.Read(regFIFO + uint16(i*4))
		for j := 0; j < 2 && i*2+j < rspSize; j++ {
			b := byte(v >> (8 * j))
			if i == 0 && j == 0 {
				if cmd.CheckOpcode && b != cmd.Opcode {
					return mmc.ErrSequence
				}
				// Always strip the echoed opcode byte.
				continue
			}
			buf[n] = b
			n++
		}
	}
	for i := range cmd.Response {
		cmd.Response[i] = binary.BigEndian.Uint32(buf[i*4:])
	}
	return nil
}

// sendCmd prepares, transmits and completes a command on its own,
// recording the outcome on cmd.Err.
func (d *Device) sendCmd(cmd *mmc.Command) error {
	timeout := cmd.BusyTimeout
	if timeout == 0 {
		timeout = defaultCmdTimeout
	}
	rspSize := d.setupCmd(cmd)
	status, err := d.startAndWait(await{cmd: true, busy: cmd.Busy}, timeout)
	if err != nil {
		cmd.Err = err
		return err
	}
	return d.captureResult(cmd, status, rspSize)
}

// Submit processes one request to completion and then invokes its Done
// callback. Requests are serialized; Submit blocks while an earlier
// request is still in flight.
func (d *Device) Submit(req *mmc.Request) {
	d.reqMu.Lock()
	d.process(req)
	d.reqMu.Unlock()
	if req.Done != nil {
		req.Done(req)
	}
}

func (d *Device) process(req *mmc.Request) {
	cmd, data := req.Cmd, req.Data

	// Command without data: send it and be done.
	if data == nil {
		if err := d.sendCmd(cmd); err != nil {
			d.logf("fcie: failed to send command; cmd: %d arg: %#08x: %v", cmd.Opcode, cmd.Arg, err)
			d.stopAfterError(req)
		}
		return
	}

	if data.Dir != mmc.DataRead && data.Dir != mmc.DataWrite {
		d.logf("fcie: data with no direction set")
		data.Err = mmc.ErrInvalidRequest
		d.stopAfterError(req)
		return
	}

	// Send the set-block-count command first, on its own.
	sbcDone := false
	if req.SBC != nil {
		if err := d.sendCmd(req.SBC); err != nil {
			d.logf("fcie: failed to send sbc; cmd: %#02x arg: %#08x: %v", req.SBC.Opcode, req.SBC.Arg, err)
			d.stopAfterError(req)
			return
		}
		sbcDone = true
	}

	// For a read the command goes out with the first incoming data
	// block. For a write the command is completed on its own first;
	// it possibly does not need to be, but no other ordering has been
	// observed to work.
	read := data.Dir == mmc.DataRead
	if !read {
		if err := d.sendCmd(cmd); err != nil {
			d.logf("fcie: failed to send command; cmd: %#02x arg: %#08x: %v", cmd.Opcode, cmd.Arg, err)
			d.stopAfterError(req)
			return
		}
	}

	rspSize := 0
	if read {
		rspSize = d.setupCmd(cmd)
	} else {
		d.rm.Write(regSDCtl, 0)
	}

	plan, err := d.prepare(data)
	if err != nil {
		data.Err = err
		d.stopAfterError(req)
		return
	}
	// The chain mapping must survive the whole transfer and must be
	// released on every exit path.
	defer d.release(&plan)

	d.arm(&plan, data)

	busy := read && cmd.Busy
	status, err := d.startAndWait(await{cmd: read, data: true, busy: busy}, data.Timeout)
	if err != nil {
		data.Err = err
		d.logf("fcie: data %s error; cmd: %#02x arg: %#08x, blk_sz: %d, blk_cnt: %d: %v",
			dirString(data.Dir), cmd.Opcode, cmd.Arg, data.BlockSize, plan.blocks, err)
		d.stopAfterError(req)
		return
	}

	// The first data block also carried the command for a read;
	// capture its response now. A busy card here is tolerated.
	if read {
		if err := d.captureResult(cmd, status, rspSize); err != nil {
			d.stopAfterError(req)
			return
		}
	}

	// Let the bus go idle before declaring the block transfer done.
	d.pollD0Idle()

	if status&stsDatRdCRCErr != 0 {
		d.logf("fcie: data read CRC error")
		data.Err = mmc.ErrCRC
	}
	if status&stsDatWrCRCErr != 0 {
		d.logf("fcie: data write CRC error")
		data.Err = mmc.ErrCRC
	}

	data.Bytes += plan.bytes

	// Send the stop command unless the set-block-count command made
	// it unnecessary. A stop failure does not overwrite a successful
	// data outcome.
	if !sbcDone && req.Stop != nil {
		if err := d.sendCmd(req.Stop); err != nil {
			d.logf("fcie: data stop command failed; cmd: %#02x arg: %#08x: %v",
				req.Stop.Opcode, req.Stop.Arg, err)
		}
	}
}

// stopAfterError still sends a supplied stop command so the card does
// not stay in transfer state after a failed request.
func (d *Device) stopAfterError(req *mmc.Request) {
	if req.Stop == nil {
		return
	}
	if err := d.sendCmd(req.Stop); err != nil {
		d.logf("fcie: stop after error failed; cmd: %#02x: %v", req.Stop.Opcode, err)
	}
}

func dirString(dir mmc.DataDir) string {
	if dir == mmc.DataRead {
		return "read"
	}
	return "write"
}

func boolBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
