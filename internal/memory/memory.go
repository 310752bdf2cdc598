// Package memory provides checked word reads over a faulting machine's
// address space.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"trapdump/internal/addr"
)

// WordSize is the size of a machine word in bytes.
const WordSize = 8

// PageSize is the granule of an Image snapshot.
const PageSize = 4096

// ErrUnmapped is returned when a read touches memory that is not present.
var ErrUnmapped = errors.New("address not mapped")

// ErrMisaligned is returned for word reads that straddle a page.
var ErrMisaligned = errors.New("word read crosses page boundary")

// Reader reads machine words. Implementations must return an error rather
// than fault when the address is not readable.
type Reader interface {
	ReadWord(a addr.Address) (uint64, error)
}

// Image is a sparse snapshot of memory, keyed by page. It is safe for
// concurrent reads once populated.
type Image struct {
	mu    sync.RWMutex
	pages map[addr.Address][]byte
	order binary.ByteOrder
}

// NewImage returns an empty little-endian image.
func NewImage() *Image {
	return &Image{
		pages: make(map[addr.Address][]byte, 8),
		order: binary.LittleEndian,
	}
}

func pageOf(a addr.Address) addr.Address {
	return a &^ (PageSize - 1)
}

// Map makes the page containing a present, zero-filled if new.
func (m *Image) Map(a addr.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageLocked(pageOf(a))
}

func (m *Image) pageLocked(base addr.Address) []byte {
	p, ok := m.pages[base]
	if !ok {
		p = make([]byte, PageSize)
		m.pages[base] = p
	}
	return p
}

// Load copies data into the image starting at a, mapping pages as needed.
func (m *Image) Load(a addr.Address, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(data) > 0 {
		base := pageOf(a)
		off := uint64(a - base)
		n := copy(m.pageLocked(base)[off:], data)
		data = data[n:]
		a = a.Add(uint64(n))
	}
}

// WriteWord stores v at a, mapping the page if needed.
func (m *Image) WriteWord(a addr.Address, v uint64) error {
	if uint64(a-pageOf(a)) > PageSize-WordSize {
		return fmt.Errorf("write %s: %w", a, ErrMisaligned)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pageLocked(pageOf(a))
	off := uint64(a - pageOf(a))
	m.order.PutUint64(p[off:off+WordSize], v)
	return nil
}

// ReadWord implements Reader.
func (m *Image) ReadWord(a addr.Address) (uint64, error) {
	base := pageOf(a)
	off := uint64(a - base)
	if off > PageSize-WordSize {
		return 0, fmt.Errorf("read %s: %w", a, ErrMisaligned)
	}
	m.mu.RLock()
	p, ok := m.pages[base]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("read %s: %w", a, ErrUnmapped)
	}
	return m.order.Uint64(p[off : off+WordSize]), nil
}

// Page is one mapped page of an Image.
type Page struct {
	Base addr.Address
	Data []byte
}

// Pages returns the mapped pages in ascending address order. The data slices
// are copies.
func (m *Image) Pages() []Page {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Page, 0, len(m.pages))
	for base, data := range m.pages {
		cp := make([]byte, len(data))
		copy(cp, data)
		out = append(out, Page{Base: base, Data: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}

// Len returns the number of mapped pages.
func (m *Image) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
