package position_test

import (
	"testing"

	"perpclear/internal/position"
)

const unit = int64(1_000_000)

// ==================== Open and increase ====================

func TestNet_OpenFromFlat(t *testing.T) {
	n, err := position.Net(0, 0, 10*unit, 100*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if n.NewSize != 10*unit || n.NewEntry != 100*unit {
		t.Fatalf("got size=%d entry=%d", n.NewSize, n.NewEntry)
	}
	if n.RealizedPnl != 0 || n.Flipped {
		t.Fatalf("fresh open realized pnl=%d flipped=%v", n.RealizedPnl, n.Flipped)
	}
}

func TestNet_IncreaseAveragesEntry(t *testing.T) {
	n, err := position.Net(10*unit, 100*unit, 10*unit, 200*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if n.NewSize != 20*unit || n.NewEntry != 150*unit {
		t.Fatalf("got size=%d entry=%d, want 20/150", n.NewSize, n.NewEntry)
	}
	if n.RealizedPnl != 0 {
		t.Fatalf("increase realized pnl=%d, want 0", n.RealizedPnl)
	}
}

func TestNet_ShortIncrease(t *testing.T) {
	n, err := position.Net(-10*unit, 100*unit, -30*unit, 200*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if n.NewSize != -40*unit || n.NewEntry != 175*unit {
		t.Fatalf("got size=%d entry=%d, want -40/175", n.NewSize, n.NewEntry)
	}
}

func TestNet_ZeroFillIsIdentity(t *testing.T) {
	n, err := position.Net(10*unit, 100*unit, 0, 999*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if n.NewSize != 10*unit || n.NewEntry != 100*unit || n.RealizedPnl != 0 {
		t.Fatalf("zero fill mutated position: %+v", n)
	}
}

// ==================== Reduce and close ====================

func TestNet_PartialCloseKeepsEntry(t *testing.T) {
	// Long 10 @ 100, sell 4 @ 110: realize 4 * 10 = 40.
	n, err := position.Net(10*unit, 100*unit, -4*unit, 110*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if n.NewSize != 6*unit || n.NewEntry != 100*unit {
		t.Fatalf("got size=%d entry=%d, want 6/100", n.NewSize, n.NewEntry)
	}
	if n.RealizedPnl != 40*unit {
		t.Fatalf("realized pnl=%d, want %d", n.RealizedPnl, 40*unit)
	}
	if n.Flipped {
		t.Fatal("partial close reported flip")
	}
}

func TestNet_FullClose(t *testing.T) {
	// Short 5 @ 100, buy back 5 @ 80: realize 5 * 20 = 100.
	n, err := position.Net(-5*unit, 100*unit, 5*unit, 80*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if n.NewSize != 0 || n.NewEntry != 0 {
		t.Fatalf("got size=%d entry=%d, want flat", n.NewSize, n.NewEntry)
	}
	if n.RealizedPnl != 100*unit {
		t.Fatalf("realized pnl=%d, want %d", n.RealizedPnl, 100*unit)
	}
}

func TestNet_CloseAtLoss(t *testing.T) {
	// Long 10 @ 100 closed at 90: realize -100.
	n, err := position.Net(10*unit, 100*unit, -10*unit, 90*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if n.RealizedPnl != -100*unit {
		t.Fatalf("realized pnl=%d, want %d", n.RealizedPnl, -100*unit)
	}
}

// ==================== Flips ====================

func TestNet_FlipRealizesOnOldExposureOnly(t *testing.T) {
	// Long 10 @ 100, sell 15 @ 120. The 10 close at +200, the extra 5
	// opens short at 120.
	n, err := position.Net(10*unit, 100*unit, -15*unit, 120*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if !n.Flipped {
		t.Fatal("expected Flipped")
	}
	if n.NewSize != -5*unit || n.NewEntry != 120*unit {
		t.Fatalf("got size=%d entry=%d, want -5/120", n.NewSize, n.NewEntry)
	}
	if n.RealizedPnl != 200*unit {
		t.Fatalf("realized pnl=%d, want %d", n.RealizedPnl, 200*unit)
	}
}

func TestNet_FlipShortToLong(t *testing.T) {
	n, err := position.Net(-4*unit, 200*unit, 10*unit, 180*unit)
	if err != nil {
		t.Fatalf("Net failed: %v", err)
	}
	if !n.Flipped || n.NewSize != 6*unit || n.NewEntry != 180*unit {
		t.Fatalf("got %+v, want flip to 6 long @ 180", n)
	}
	if n.RealizedPnl != 80*unit {
		t.Fatalf("realized pnl=%d, want %d", n.RealizedPnl, 80*unit)
	}
}

// ==================== Valuation ====================

func TestUnrealizedPnl(t *testing.T) {
	// Long 10 @ 100 marked at 105: +50.
	got, err := position.UnrealizedPnl(10*unit, 100*unit, 105*unit)
	if err != nil || got != 50*unit {
		t.Fatalf("UnrealizedPnl(long) = %d, %v, want %d", got, err, 50*unit)
	}

	// Short 10 @ 100 marked at 105: -50.
	got, err = position.UnrealizedPnl(-10*unit, 100*unit, 105*unit)
	if err != nil || got != -50*unit {
		t.Fatalf("UnrealizedPnl(short) = %d, %v, want %d", got, err, -50*unit)
	}

	got, err = position.UnrealizedPnl(0, 0, 105*unit)
	if err != nil || got != 0 {
		t.Fatalf("UnrealizedPnl(flat) = %d, %v, want 0", got, err)
	}
}
