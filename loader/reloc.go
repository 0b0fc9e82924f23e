package loader

import "encoding/binary"

// PE base relocation types we care about for a 64-bit image; everything
// else is ignored (ABSOLUTE is a padding entry, the rest don't occur in
// practice for amd64 PE/COFF).
const (
	imageRelBasedAbsolute = 0
	imageRelBasedDir64    = 10
)

// applyBaseRelocBlocks walks the .reloc section's IMAGE_BASE_RELOCATION
// blocks and adds delta to every 64-bit absolute address they name,
// in place, inside codeRegion.
//
// Block layout (each block is variable length):
//
//	uint32 PageRVA
//	uint32 BlockSize (including this header)
//	[]uint16 entries, each: type (4 bits) | offset-in-page (12 bits)
func applyBaseRelocBlocks(reloc []byte, codeRegion []byte, delta int64) {
	off := 0
	for off+8 <= len(reloc) {
		pageRVA := binary.LittleEndian.Uint32(reloc[off:])
		blockSize := binary.LittleEndian.Uint32(reloc[off+4:])

		if blockSize < 8 || int(blockSize) > len(reloc)-off {
			return
		}

		entries := reloc[off+8 : off+int(blockSize)]

		for e := 0; e+2 <= len(entries); e += 2 {
			entry := binary.LittleEndian.Uint16(entries[e:])
			typ := entry >> 12
			pageOffset := entry & 0x0FFF

			if typ == imageRelBasedAbsolute {
				continue
			}

			if typ != imageRelBasedDir64 {
				continue
			}

			addr := pageRVA + uint32(pageOffset)
			if int(addr)+8 > len(codeRegion) {
				continue
			}

			orig := binary.LittleEndian.Uint64(codeRegion[addr:])
			binary.LittleEndian.PutUint64(codeRegion[addr:], uint64(int64(orig)+delta))
		}

		off += int(blockSize)
	}
}
