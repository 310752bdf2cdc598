package memory

import (
	"errors"
	"testing"

	"trapdump/internal/addr"
)

func TestImageReadWrite(t *testing.T) {
	m := NewImage()
	a := addr.Address(0xFFFF_FF80_0010_2F40)
	if err := m.WriteWord(a, 0xFFFF_FFFF_8061_2345); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadWord(a)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xFFFF_FFFF_8061_2345 {
		t.Errorf("ReadWord = %#x", got)
	}
	if got, err := m.ReadWord(a + 8); err != nil || got != 0 {
		t.Errorf("ReadWord(next) = %#x, %v; want 0, nil", got, err)
	}
}

func TestImageUnmapped(t *testing.T) {
	m := NewImage()
	_, err := m.ReadWord(0xFFFF_FF80_0000_0000)
	if !errors.Is(err, ErrUnmapped) {
		t.Fatalf("err = %v, want ErrUnmapped", err)
	}
}

func TestImageMisaligned(t *testing.T) {
	m := NewImage()
	m.Map(0x1000)
	if _, err := m.ReadWord(0x1FFC); !errors.Is(err, ErrMisaligned) {
		t.Errorf("ReadWord err = %v, want ErrMisaligned", err)
	}
	if err := m.WriteWord(0x1FFD, 1); !errors.Is(err, ErrMisaligned) {
		t.Errorf("WriteWord err = %v, want ErrMisaligned", err)
	}
	if _, err := m.ReadWord(0x1FF8); err != nil {
		t.Errorf("last word of page: %v", err)
	}
}

func TestImageLoadSpansPages(t *testing.T) {
	m := NewImage()
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i + 1)
	}
	m.Load(0x1FF8, data)
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	lo, err := m.ReadWord(0x1FF8)
	if err != nil {
		t.Fatal(err)
	}
	hi, err := m.ReadWord(0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if lo != 0x0807060504030201 || hi != 0x100F0E0D0C0B0A09 {
		t.Errorf("words = %#x %#x", lo, hi)
	}
	pages := m.Pages()
	if len(pages) != 2 || pages[0].Base != 0x1000 || pages[1].Base != 0x2000 {
		t.Errorf("Pages = %+v", pages)
	}
}
