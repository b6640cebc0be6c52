package mmc

import "testing"

func TestBlocks(t *testing.T) {
	data := &Data{
		BlockSize: 512,
		Segments: []Segment{
			{Addr: 0x1000, Len: 512},
			{Addr: 0x3000, Len: 1536},
		},
	}
	if got := data.Blocks(); got != 4 {
		t.Errorf("got %d blocks, want 4", got)
	}
}

func TestCommandConstructors(t *testing.T) {
	if cmd := GoIdleState(); cmd.Opcode != CmdGoIdleState || cmd.Resp != RespNone {
		t.Errorf("cmd0: %+v", cmd)
	}
	cmd := ReadSingleBlock(42)
	if cmd.Opcode != CmdReadSingleBlock || cmd.Arg != 42 {
		t.Errorf("cmd17: %+v", cmd)
	}
	if !cmd.CRC || !cmd.CheckOpcode {
		t.Error("cmd17 response checks not enabled")
	}
	if stop := StopTransmission(); !stop.Busy {
		t.Error("cmd12 does not wait for busy")
	}
	if sbc := SetBlockCount(8); sbc.Arg != 8 {
		t.Errorf("cmd23 arg %d, want 8", sbc.Arg)
	}
}
