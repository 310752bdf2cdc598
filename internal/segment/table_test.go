package segment

import "testing"

func TestSelector(t *testing.T) {
	tests := []struct {
		sel   Selector
		index int
		rpl   uint8
		user  bool
	}{
		{0x20, GCodeSel, 0, false},
		{0x28, GDataSel, 0, false},
		{0x43, GUCodeSel, 3, true},
		{0x3b, GUDataSel, 3, true},
		{0xFFFF, 0x1FFF, 3, true},
	}
	for _, tt := range tests {
		if got := tt.sel.Index(); got != tt.index {
			t.Errorf("Selector(%#x).Index() = %d, want %d", uint16(tt.sel), got, tt.index)
		}
		if got := tt.sel.RPL(); got != tt.rpl {
			t.Errorf("Selector(%#x).RPL() = %d, want %d", uint16(tt.sel), got, tt.rpl)
		}
		if got := tt.sel.User(); got != tt.user {
			t.Errorf("Selector(%#x).User() = %v, want %v", uint16(tt.sel), got, tt.user)
		}
	}
	if got := GSel(GDataSel, SelKPL); got != 0x28 {
		t.Errorf("GSel(GDataSel, SelKPL) = %#x, want 0x28", uint16(got))
	}
}

func TestTableLookup(t *testing.T) {
	var tbl Table
	kcode := Descriptor(0x00AF9B000000FFFF)
	ucode := Descriptor(0x00AFFB000000FFFF)
	if err := tbl.Set(0, GCodeSel, kcode); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Set(1, GUCodeSel, ucode); err != nil {
		t.Fatal(err)
	}
	if len(tbl) != NGDT+GUCodeSel+1 {
		t.Fatalf("len = %d", len(tbl))
	}

	if d, err := tbl.Lookup(0, GSel(GCodeSel, SelKPL)); err != nil || d != kcode {
		t.Errorf("cpu0 kernel code = %#x, %v", uint64(d), err)
	}
	if d, err := tbl.Lookup(1, GSel(GUCodeSel, SelUPL)); err != nil || d != ucode {
		t.Errorf("cpu1 user code = %#x, %v", uint64(d), err)
	}
	if _, err := tbl.Lookup(2, GSel(GCodeSel, SelKPL)); err == nil {
		t.Error("lookup past end of table succeeded")
	}
	if _, err := tbl.Lookup(-1, 0); err == nil {
		t.Error("negative cpu accepted")
	}
	if _, err := tbl.Lookup(0, 0xFFF8); err == nil {
		t.Error("huge selector accepted")
	}
}

func TestTableLookupHugeCPU(t *testing.T) {
	tbl := make(Table, 4*NGDT)
	tbl[10] = Descriptor(0x00AF9B000000FFFF)
	// cpu*NGDT wraps to 10 in 64-bit arithmetic.
	for _, cpu := range []int{1418980313362273202, 5, 1 << 62} {
		if d, err := tbl.Lookup(cpu, 0); err == nil {
			t.Errorf("Lookup(%d, 0) = %#x, want error", cpu, uint64(d))
		}
	}
	if _, err := tbl.Lookup(3, GSel(GUCodeSel, SelUPL)); err != nil {
		t.Errorf("last block rejected: %v", err)
	}
}

func TestTableSetRejectsBadSlots(t *testing.T) {
	var tbl Table
	for _, tt := range []struct{ cpu, index int }{
		{-1, 0},
		{1 << 16, 0},
		{9223372036854775807, 4},
		{0, -1},
		{0, NGDT},
	} {
		if err := tbl.Set(tt.cpu, tt.index, 1); err == nil {
			t.Errorf("Set(%d, %d) accepted", tt.cpu, tt.index)
		}
	}
	if len(tbl) != 0 {
		t.Errorf("rejected sets grew the table to %d", len(tbl))
	}
	if err := tbl.Set(0xFFFF, NGDT-1, 1); err != nil {
		t.Fatalf("highest slot rejected: %v", err)
	}
	if len(tbl) != 0x10000*NGDT {
		t.Errorf("len = %d", len(tbl))
	}
}
