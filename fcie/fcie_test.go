package fcie

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/physic"

	"msc313.dev/mmc"
)

type fakeClock struct {
	set physic.Frequency
}

func (c *fakeClock) RoundRate(f physic.Frequency) (physic.Frequency, error) {
	if f > 24*physic.MegaHertz {
		return 24 * physic.MegaHertz, nil
	}
	return f, nil
}

func (c *fakeClock) SetRate(f physic.Frequency) error {
	c.set = f
	return nil
}

type fakeRegulator struct {
	on  bool
	err error
}

func (r *fakeRegulator) Set(on bool) error {
	if r.err != nil {
		return r.err
	}
	r.on = on
	return nil
}

func TestReset(t *testing.T) {
	sim := NewSimulator()
	d := testDevice(t, sim)

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if sim.regs[regReset]&0b1 != 1 {
		t.Error("reset line still asserted after a successful reset")
	}
}

func TestResetStuck(t *testing.T) {
	sim := NewSimulator()
	sim.ResetStuck = true
	d := testDevice(t, sim)

	err := d.Reset()
	if !errors.Is(err, mmc.ErrResetFailed) {
		t.Fatalf("got %v, want %v", err, mmc.ErrResetFailed)
	}
	// The line stays as last written; recovery is up to the caller.
	if sim.regs[regReset]&0b1 != 0 {
		t.Error("reset line released after a failed assert poll")
	}
}

func TestSetBusWidth(t *testing.T) {
	sim := NewSimulator()
	d := testDevice(t, sim)

	for width, bits := range map[int]uint16{1: 0b00, 4: 0b01, 8: 0b10} {
		if err := d.SetBusWidth(width); err != nil {
			t.Fatalf("width %d: %v", width, err)
		}
		if got := sim.regs[regSDMode] >> 1 & 0b11; got != bits {
			t.Errorf("width %d: mode bits %#b, want %#b", width, got, bits)
		}
	}
	if err := d.SetBusWidth(3); err == nil {
		t.Error("3 bit bus accepted")
	}
}

func TestSetClock(t *testing.T) {
	sim := NewSimulator()
	clk := new(fakeClock)
	d := New(sim, Options{IRQ: sim.IRQ(), Clock: clk, Log: t.Logf})
	defer d.Close()

	if err := d.SetClock(50 * physic.MegaHertz); err != nil {
		t.Fatal(err)
	}
	if clk.set != 24*physic.MegaHertz {
		t.Errorf("clock rate %v, want rounded 24MHz", clk.set)
	}
	if sim.regs[regSDMode]&0b1 != 1 {
		t.Error("clock not enabled")
	}

	if err := d.SetClock(0); err != nil {
		t.Fatal(err)
	}
	if sim.regs[regSDMode]&0b1 != 0 {
		t.Error("clock not gated")
	}
}

func TestSetPower(t *testing.T) {
	sim := NewSimulator()
	reg := new(fakeRegulator)
	d := New(sim, Options{IRQ: sim.IRQ(), Regulator: reg, Log: t.Logf})
	defer d.Close()

	if err := d.SetPower(true); err != nil {
		t.Fatal(err)
	}
	if !reg.on {
		t.Error("rail not switched on")
	}
	reg.err = errors.New("rail fault")
	if err := d.SetPower(false); err == nil {
		t.Error("regulator failure not surfaced")
	}
}
