package sandbox_test

import (
	"bytes"
	"encoding/binary"
)

// buildMinimalPEImage assembles the smallest PE/COFF image debug/pe (and
// therefore loader.Load) will accept: a DOS stub, a PE64 (IMAGE_NT_HEADERS64)
// header with zero data directories, and a single ".text" section holding
// codeBytes. codeBytes[0] must be the loader's guest signature byte; this
// helper does not enforce that, callers do.
func buildMinimalPEImage(entryRVA uint32, codeBytes []byte) []byte {
	const (
		dosHeaderSize    = 96
		peSignatureSize  = 4
		fileHeaderSize   = 20
		optHeaderSize    = 112 // OptionalHeader64 with NumberOfRvaAndSizes == 0
		sectionHeaderSize = 40
		fileAlignment    = 0x200
		sectionAlignment = 0x1000
	)

	headersEnd := dosHeaderSize + peSignatureSize + fileHeaderSize + optHeaderSize + sectionHeaderSize
	sizeOfHeaders := roundUp(uint32(headersEnd), fileAlignment)
	rawDataOffset := sizeOfHeaders
	sizeOfImage := roundUp(uint32(len(codeBytes)), sectionAlignment)
	if sizeOfImage == 0 {
		sizeOfImage = sectionAlignment
	}

	var buf bytes.Buffer

	// DOS header: just enough for the "MZ" magic and e_lfanew at 0x3c.
	dos := make([]byte, dosHeaderSize)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], dosHeaderSize)
	buf.Write(dos)

	buf.WriteString("PE\x00\x00")

	// FileHeader (debug/pe.FileHeader field order).
	binary.Write(&buf, binary.LittleEndian, uint16(0x8664)) // Machine: AMD64
	binary.Write(&buf, binary.LittleEndian, uint16(1))      // NumberOfSections
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // TimeDateStamp
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // PointerToSymbolTable
	binary.Write(&buf, binary.LittleEndian, uint32(0))      // NumberOfSymbols
	binary.Write(&buf, binary.LittleEndian, uint16(optHeaderSize))
	binary.Write(&buf, binary.LittleEndian, uint16(0x0002)) // IMAGE_FILE_EXECUTABLE_IMAGE

	// OptionalHeader64 fixed part (debug/pe.OptionalHeader64 field order),
	// no data directories (NumberOfRvaAndSizes == 0).
	binary.Write(&buf, binary.LittleEndian, uint16(0x20b)) // Magic: PE32+
	buf.WriteByte(0)                                       // MajorLinkerVersion
	buf.WriteByte(0)                                       // MinorLinkerVersion
	binary.Write(&buf, binary.LittleEndian, uint32(len(codeBytes))) // SizeOfCode
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // SizeOfInitializedData
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // SizeOfUninitializedData
	binary.Write(&buf, binary.LittleEndian, entryRVA)               // AddressOfEntryPoint
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // BaseOfCode
	binary.Write(&buf, binary.LittleEndian, uint64(0x140000000))    // ImageBase
	binary.Write(&buf, binary.LittleEndian, uint32(sectionAlignment))
	binary.Write(&buf, binary.LittleEndian, uint32(fileAlignment))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // MajorOperatingSystemVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // MinorOperatingSystemVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // MajorImageVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // MinorImageVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // MajorSubsystemVersion
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // MinorSubsystemVersion
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // Win32VersionValue
	binary.Write(&buf, binary.LittleEndian, sizeOfImage)
	binary.Write(&buf, binary.LittleEndian, sizeOfHeaders)
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // CheckSum
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // Subsystem: IMAGE_SUBSYSTEM_NATIVE
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // DllCharacteristics
	binary.Write(&buf, binary.LittleEndian, uint64(0x100000)) // SizeOfStackReserve
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))   // SizeOfStackCommit
	binary.Write(&buf, binary.LittleEndian, uint64(0x100000)) // SizeOfHeapReserve
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))   // SizeOfHeapCommit
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // LoaderFlags
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // NumberOfRvaAndSizes

	// One SectionHeader32: ".text", based at guest-virtual-address 0
	// (within the code region) so the loader's signature check at
	// codeRegion[0] lines up with this section's first byte.
	name := make([]byte, 8)
	copy(name, ".text")
	buf.Write(name)
	binary.Write(&buf, binary.LittleEndian, uint32(len(codeBytes))) // VirtualSize
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // VirtualAddress
	binary.Write(&buf, binary.LittleEndian, uint32(len(codeBytes))) // SizeOfRawData
	binary.Write(&buf, binary.LittleEndian, rawDataOffset)          // PointerToRawData
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // PointerToRelocations
	binary.Write(&buf, binary.LittleEndian, uint32(0))              // PointerToLineNumbers
	binary.Write(&buf, binary.LittleEndian, uint16(0))              // NumberOfRelocations
	binary.Write(&buf, binary.LittleEndian, uint16(0))              // NumberOfLineNumbers
	binary.Write(&buf, binary.LittleEndian, uint32(0x60000020))     // CNT_CODE|MEM_EXECUTE|MEM_READ

	for uint32(buf.Len()) < rawDataOffset {
		buf.WriteByte(0)
	}

	buf.Write(codeBytes)

	return buf.Bytes()
}

func roundUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}
