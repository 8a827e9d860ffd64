package ibc

import (
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

// Profile blobs ride inside the image as a named resource. The stock pe
// package stops at the section table, so the directory walk below is local:
// a three-level tree (type, name, language) of 8-byte entries, names as
// length-prefixed UTF-16, leaves as {rva, size} data entries.

// Resource names collectors publish profile blobs under.
const (
	ResourceName    = "PROFILE_DATA"
	ResourceNameAlt = "IBC"
)

// ErrNoResource means the image carries no profile resource under any of the
// published names.
var ErrNoResource = errors.New("ibc: image carries no profile resource")

// ExtractPE pulls the profile blob out of a PE image.
func ExtractPE(path string) ([]byte, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ibc: open image: %w", err)
	}
	defer f.Close()
	return extractResource(f, ResourceName, ResourceNameAlt)
}

func extractResource(f *pe.File, names ...string) ([]byte, error) {
	rsrc := f.Section(".rsrc")
	if rsrc == nil {
		return nil, ErrNoResource
	}
	data, err := rsrc.Data()
	if err != nil {
		return nil, fmt.Errorf("ibc: read resource section: %w", err)
	}
	// Data() pads to the file alignment; the tree only spans the virtual size.
	if vs := rsrc.VirtualSize; vs > 0 && uint64(vs) < uint64(len(data)) {
		data = data[:vs]
	}
	w := rsrcWalker{data: data, base: rsrc.VirtualAddress}
	for _, name := range names {
		if blob, ok := w.find(name); ok {
			return blob, nil
		}
	}
	return nil, ErrNoResource
}

type rsrcWalker struct {
	data []byte
	base uint32 // RVA the section is mapped at
}

const (
	rsrcDirHeader = 16 // characteristics, stamp, version, entry counts
	rsrcEntrySize = 8
	rsrcLeafSize  = 16 // rva, size, code page, reserved
	rsrcHighBit   = 0x80000000
)

func (w *rsrcWalker) find(name string) ([]byte, bool) {
	return w.search(0, name, 0)
}

// search walks the directory at off looking for an entry named name at any
// level; the depth guard stops cyclic offsets in damaged images.
func (w *rsrcWalker) search(off uint32, name string, depth int) ([]byte, bool) {
	if depth > 3 {
		return nil, false
	}
	if uint64(off)+rsrcDirHeader > uint64(len(w.data)) {
		return nil, false
	}
	named := binary.LittleEndian.Uint16(w.data[off+12:])
	ids := binary.LittleEndian.Uint16(w.data[off+14:])
	for i := uint32(0); i < uint32(named)+uint32(ids); i++ {
		eo := uint64(off) + rsrcDirHeader + uint64(i)*rsrcEntrySize
		if eo+rsrcEntrySize > uint64(len(w.data)) {
			return nil, false
		}
		nameField := binary.LittleEndian.Uint32(w.data[eo:])
		dataField := binary.LittleEndian.Uint32(w.data[eo+4:])

		matched := false
		if nameField&rsrcHighBit != 0 {
			if n, ok := w.readName(nameField &^ rsrcHighBit); ok && strings.EqualFold(n, name) {
				matched = true
			}
		}
		switch {
		case dataField&rsrcHighBit != 0:
			sub := dataField &^ rsrcHighBit
			if matched {
				if blob, ok := w.firstLeaf(sub, depth+1); ok {
					return blob, true
				}
			} else if blob, ok := w.search(sub, name, depth+1); ok {
				return blob, true
			}
		case matched:
			if blob, ok := w.leaf(dataField); ok {
				return blob, true
			}
		}
	}
	return nil, false
}

// firstLeaf descends a matched subtree to its first data entry, skipping the
// language level.
func (w *rsrcWalker) firstLeaf(off uint32, depth int) ([]byte, bool) {
	if depth > 3 {
		return nil, false
	}
	if uint64(off)+rsrcDirHeader > uint64(len(w.data)) {
		return nil, false
	}
	named := binary.LittleEndian.Uint16(w.data[off+12:])
	ids := binary.LittleEndian.Uint16(w.data[off+14:])
	for i := uint32(0); i < uint32(named)+uint32(ids); i++ {
		eo := uint64(off) + rsrcDirHeader + uint64(i)*rsrcEntrySize
		if eo+rsrcEntrySize > uint64(len(w.data)) {
			return nil, false
		}
		dataField := binary.LittleEndian.Uint32(w.data[eo+4:])
		if dataField&rsrcHighBit != 0 {
			if blob, ok := w.firstLeaf(dataField&^rsrcHighBit, depth+1); ok {
				return blob, true
			}
			continue
		}
		if blob, ok := w.leaf(dataField); ok {
			return blob, true
		}
	}
	return nil, false
}

// leaf reads a data entry and slices the payload out of the section.
func (w *rsrcWalker) leaf(off uint32) ([]byte, bool) {
	if uint64(off)+rsrcLeafSize > uint64(len(w.data)) {
		return nil, false
	}
	rva := binary.LittleEndian.Uint32(w.data[off:])
	size := binary.LittleEndian.Uint32(w.data[off+4:])
	if rva < w.base {
		return nil, false
	}
	start := uint64(rva - w.base)
	if start+uint64(size) > uint64(len(w.data)) {
		return nil, false
	}
	return w.data[start : start+uint64(size)], true
}

// readName decodes a length-prefixed UTF-16 directory name.
func (w *rsrcWalker) readName(off uint32) (string, bool) {
	if uint64(off)+2 > uint64(len(w.data)) {
		return "", false
	}
	n := uint64(binary.LittleEndian.Uint16(w.data[off:]))
	if uint64(off)+2+n*2 > uint64(len(w.data)) {
		return "", false
	}
	u := make([]uint16, n)
	for i := uint64(0); i < n; i++ {
		u[i] = binary.LittleEndian.Uint16(w.data[uint64(off)+2+i*2:])
	}
	return string(utf16.Decode(u)), true
}
