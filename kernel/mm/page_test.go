package mm

import (
	"testing"

	"thunderos/kernel"
)

func TestFrameConversions(t *testing.T) {
	specs := []struct {
		physAddr uintptr
		expFrame Frame
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{0x80200000, 0x80200},
		{0x80200fff, 0x80200},
		{0x80201000, 0x80201},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.physAddr); got != spec.expFrame {
			t.Errorf("[spec %d] expected frame for address 0x%x to be %d; got %d", specIndex, spec.physAddr, spec.expFrame, got)
		}
	}

	if exp, got := uintptr(0x80200000), Frame(0x80200).Address(); got != exp {
		t.Fatalf("expected frame address 0x%x; got 0x%x", exp, got)
	}

	if InvalidFrame.Valid() {
		t.Fatal("expected InvalidFrame.Valid() to be false")
	}
	if !Frame(1).Valid() {
		t.Fatal("expected Frame(1).Valid() to be true")
	}
}

func TestPageConversions(t *testing.T) {
	if exp, got := Page(0x12345), PageFromAddress(0x12345fff); got != exp {
		t.Fatalf("expected page %d; got %d", exp, got)
	}

	if exp, got := uintptr(0x12345000), Page(0x12345).Address(); got != exp {
		t.Fatalf("expected page address 0x%x; got 0x%x", exp, got)
	}
}

func TestFrameProviderHooks(t *testing.T) {
	defer SetFrameProvider(nil, nil)

	expErr := &kernel.Error{Module: "test", Message: "no memory"}
	allocCalls, releaseCalls := 0, 0

	SetFrameProvider(
		func() (Frame, *kernel.Error) {
			allocCalls++
			return Frame(123), expErr
		},
		func(f Frame) *kernel.Error {
			releaseCalls++
			if f != Frame(123) {
				t.Errorf("expected released frame to be 123; got %d", f)
			}
			return nil
		},
	)

	if frame, err := AllocFrame(); frame != Frame(123) || err != expErr {
		t.Fatalf("expected AllocFrame to return (123, expErr); got (%d, %v)", frame, err)
	}
	if err := ReleaseFrame(Frame(123)); err != nil {
		t.Fatalf("expected ReleaseFrame to return nil; got %v", err)
	}

	if allocCalls != 1 || releaseCalls != 1 {
		t.Fatalf("expected 1 alloc and 1 release call; got %d and %d", allocCalls, releaseCalls)
	}
}
