// Package mmc defines the request model shared between the storage stack
// and an SD/MMC host controller driver: commands, data descriptors and
// the error taxonomy reported back on completion.
package mmc

import (
	"errors"
	"time"
)

// ResponseKind is the shape of the response a command expects.
type ResponseKind uint8

const (
	// RespNone expects no response.
	RespNone ResponseKind = iota
	// RespShort expects a 48-bit response (R1, R1b, R3, R6, R7).
	RespShort
	// RespLong expects a 136-bit response (R2).
	RespLong
)

// Command is a single command to send to the card. The caller owns it
// until the host completes it and writes back Response and Err.
type Command struct {
	// Opcode is the 6-bit command index.
	Opcode uint8
	// Arg is the 32-bit command argument.
	Arg uint32

	Resp ResponseKind
	// Busy is set if the card signals busy on DAT0 after the response.
	Busy bool
	// CRC is set if the response carries a CRC to be checked.
	CRC bool
	// CheckOpcode is set if the response echoes the command index and
	// the host should verify it.
	CheckOpcode bool

	// BusyTimeout overrides the host's default command timeout.
	BusyTimeout time.Duration

	// Response holds the decoded response words, most significant
	// word first.
	Response [4]uint32
	// Err is the command outcome.
	Err error
}

// DataDir is the direction of a data transfer.
type DataDir uint8

const (
	NoData DataDir = iota
	DataRead
	DataWrite
)

// Segment is one device-visible span of a scatter-gather buffer. The
// bus/DMA subsystem maps the caller's buffer before the request reaches
// the host; the host consumes only address/length pairs.
type Segment struct {
	Addr uint32
	Len  uint32
}

// Data describes the data phase of a request.
type Data struct {
	Dir       DataDir
	BlockSize uint32
	Segments  []Segment
	// Timeout bounds the wait for data completion.
	Timeout time.Duration

	// Bytes is the number of bytes transferred, written back by
	// the host.
	Bytes uint32
	// Err is the data phase outcome.
	Err error
}

// Blocks is the total number of blocks described by the segments.
func (d *Data) Blocks() uint32 {
	var n uint32
	for _, s := range d.Segments {
		n += s.Len / d.BlockSize
	}
	return n
}

// Request is one unit of work for the host: a command, optionally
// preceded by a set-block-count command, optionally accompanied by a
// data phase and followed by a stop command. Done, if set, is called
// exactly once when the request has completed, successfully or not.
//
// Hosts process one request at a time; the submitter must not submit
// another request until Done has been called.
type Request struct {
	Cmd  *Command
	SBC  *Command
	Data *Data
	Stop *Command

	Done func(*Request)
}

// Completion errors, recorded on Command.Err and Data.Err.
var (
	// ErrTimeout is reported when no completion arrived within the
	// deadline, and for the ambiguous error-with-empty-status case
	// that usually means the card was removed.
	ErrTimeout = errors.New("mmc: timeout")
	// ErrNoResponse is reported when the controller flagged that the
	// card did not respond at all.
	ErrNoResponse = errors.New("mmc: no response")
	// ErrCRC is reported when a response or data CRC check failed.
	ErrCRC = errors.New("mmc: CRC error")
	// ErrSequence is reported when the echoed response opcode did not
	// match the issued command, indicating a stale response buffer.
	ErrSequence = errors.New("mmc: response out of sequence")
	// ErrInvalidRequest is reported for malformed data descriptors.
	ErrInvalidRequest = errors.New("mmc: invalid request")
	// ErrTooManySegments is reported when a data descriptor has more
	// segments than the host can chain.
	ErrTooManySegments = errors.New("mmc: too many segments")
	// ErrResetFailed is reported when the controller did not come out
	// of reset.
	ErrResetFailed = errors.New("mmc: reset failed")
)

// Command indexes used by tooling and tests.
const (
	CmdGoIdleState      = 0
	CmdAllSendCID       = 2
	CmdSendRelativeAddr = 3
	CmdSelectCard       = 7
	CmdSendIfCond       = 8
	CmdSendCSD          = 9
	CmdStopTransmission = 12
	CmdSetBlockLen      = 16
	CmdReadSingleBlock  = 17
	CmdReadMultiBlock   = 18
	CmdSetBlockCount    = 23
	CmdWriteBlock       = 24
	CmdWriteMultiBlock  = 25
	CmdAppCmd           = 55
)

// GoIdleState returns a CMD0 command.
func GoIdleState() *Command {
	return &Command{Opcode: CmdGoIdleState}
}

// ReadSingleBlock returns a CMD17 command for the given block address.
func ReadSingleBlock(addr uint32) *Command {
	return &Command{
		Opcode:      CmdReadSingleBlock,
		Arg:         addr,
		Resp:        RespShort,
		CRC:         true,
		CheckOpcode: true,
	}
}

// WriteBlock returns a CMD24 command for the given block address.
func WriteBlock(addr uint32) *Command {
	return &Command{
		Opcode:      CmdWriteBlock,
		Arg:         addr,
		Resp:        RespShort,
		CRC:         true,
		CheckOpcode: true,
	}
}

// StopTransmission returns a CMD12 command.
func StopTransmission() *Command {
	return &Command{
		Opcode:      CmdStopTransmission,
		Resp:        RespShort,
		Busy:        true,
		CRC:         true,
		CheckOpcode: true,
	}
}

// SetBlockCount returns a CMD23 command for the given block count.
func SetBlockCount(blocks uint32) *Command {
	return &Command{
		Opcode:      CmdSetBlockCount,
		Arg:         blocks,
		Resp:        RespShort,
		CRC:         true,
		CheckOpcode: true,
	}
}
