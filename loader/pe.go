// Package loader implements C2: parsing the pre-compiled guest PE image
// and copying/relocating it into the sandbox's code region.
//
// The signature-check-then-parse shape is grounded on gokvm's
// bootproto/bootproto.go (magic-number check followed by a binary.Read of
// a fixed header at a known offset); debug/pe replaces a hand-rolled COFF
// reader because no example in the pack parses PE and Go's own debug/pe
// is the idiomatic stdlib tool for it (see SPEC_FULL.md DOMAIN STACK).
package loader

import (
	"bytes"
	"debug/pe"
	"fmt"
	"io"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// signatureByte is the guest-library contract: the first byte of the
// loaded code region must read back as ASCII 'J' (spec §6).
const signatureByte = 'J'

// LoadedImage describes a guest binary after it has been copied into the
// sandbox's code region.
type LoadedImage struct {
	EntryVA         uint64 // guest-virtual entry point address
	StackReserveHint uint64
	Size            uint64
}

// Load parses a 64-bit PE image and copies its sections into codeRegion,
// which must be at least as large as the image's virtual size. codeBase is
// the guest-virtual address codeRegion[0] is mapped at (spec §4.2).
func Load(image []byte, codeRegion []byte, codeBase uint64) (*LoadedImage, error) {
	f, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", hlerr.ErrBadImage, err)
	}
	defer f.Close()

	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		return nil, fmt.Errorf("%w: not a 64-bit (amd64) image", hlerr.ErrBadImage)
	}

	opt, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("%w: missing 64-bit optional header", hlerr.ErrBadImage)
	}

	imageSize := uint64(opt.SizeOfImage)
	if imageSize > uint64(len(codeRegion)) {
		return nil, fmt.Errorf("%w: image size %d exceeds code region size %d",
			hlerr.ErrBadImage, imageSize, len(codeRegion))
	}

	for _, sec := range f.Sections {
		if sec.VirtualAddress+sec.Size > uint32(imageSize) {
			return nil, fmt.Errorf("%w: section %q out of bounds", hlerr.ErrBadImage, sec.Name)
		}

		data, err := sectionData(sec)
		if err != nil {
			return nil, fmt.Errorf("%w: reading section %q: %v", hlerr.ErrBadImage, sec.Name, err)
		}

		copy(codeRegion[sec.VirtualAddress:], data)
	}

	relocate(f, codeRegion, opt.ImageBase, codeBase)

	if len(codeRegion) == 0 || codeRegion[0] != signatureByte {
		return nil, fmt.Errorf("%w: missing guest signature byte", hlerr.ErrBadImage)
	}

	entryRVA := uint64(opt.AddressOfEntryPoint)

	return &LoadedImage{
		EntryVA:          codeBase + entryRVA,
		StackReserveHint: opt.SizeOfStackReserve,
		Size:             imageSize,
	}, nil
}

func sectionData(sec *pe.Section) ([]byte, error) {
	r := sec.Open()

	data := make([]byte, sec.Size)
	if _, err := io.ReadFull(r, data); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}

	return data, nil
}

// relocate applies base relocations so the image's absolute virtual
// addresses are valid once mapped at codeBase rather than its preferred
// opt.ImageBase. Hyperlight always loads at a single fixed base per
// sandbox, so this is a one-shot delta rebase, not a general relocator.
func relocate(f *pe.File, codeRegion []byte, preferredBase, actualBase uint64) {
	delta := int64(actualBase) - int64(preferredBase)
	if delta == 0 {
		return
	}

	sec := f.Section(".reloc")
	if sec == nil {
		return
	}

	data, err := sectionData(sec)
	if err != nil {
		return
	}

	applyBaseRelocBlocks(data, codeRegion, delta)
}
