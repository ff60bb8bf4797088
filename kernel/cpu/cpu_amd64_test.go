package cpu

import "testing"

func TestIsIntel(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		eax, ebx, ecx, edx uint32
		exp                bool
	}{
		// CPUID output from an Intel CPU
		{0xd, 0x756e6547, 0x6c65746e, 0x49656e69, true},
		// CPUID output from an AMD Athlon CPU
		{0x1, 68747541, 0x444d4163, 0x69746e65, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return spec.eax, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestInterruptFlag(t *testing.T) {
	defer func() {
		enableInterruptsFn = EnableInterrupts
		disableInterruptsSaveFn = DisableInterruptsSave
	}()

	var (
		flag        InterruptFlag
		ifSet       = true
		enableCalls int
	)

	disableInterruptsSaveFn = func() bool {
		prev := ifSet
		ifSet = false
		return prev
	}
	enableInterruptsFn = func() {
		enableCalls++
		ifSet = true
	}

	outer := flag.SaveAndDisable()
	inner := flag.SaveAndDisable()
	if !outer || inner {
		t.Fatalf("expected saved states (true, false); got (%t, %t)", outer, inner)
	}

	flag.Restore(inner)
	if ifSet || enableCalls != 0 {
		t.Fatal("expected inner Restore to keep interrupts disabled")
	}

	flag.Restore(outer)
	if !ifSet || enableCalls != 1 {
		t.Fatalf("expected outer Restore to enable interrupts once; got %d calls", enableCalls)
	}
}
