package wire

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// EncodeGuestError writes a GuestError into the guest-error buffer
// region, length-prefixed message following a fixed code field (spec
// §3, §4.8). Used by guest-side stubs and by tests exercising the host
// decode path; production guests write this layout directly in their
// own runtime.
func EncodeGuestError(code hlerr.GuestErrorCode, message string, buf []byte) ([]byte, error) {
	w := NewWriter(buf, hlerr.ErrResultTooLarge)

	if err := w.writeU64(uint64(code)); err != nil {
		return nil, err
	}

	if err := w.writeLenPrefixed([]byte(message)); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// DecodeGuestError reads the guest-error buffer written by the guest
// before it halts or aborts. A zero-length buffer or a GuestErrorNone code
// both mean "no error was reported".
func DecodeGuestError(buf []byte) (*hlerr.GuestError, error) {
	if len(buf) == 0 {
		return nil, nil
	}

	r := NewReader(buf)

	codeVal, err := r.readU64()
	if err != nil {
		return nil, fmt.Errorf("wire: guest error code: %w", err)
	}

	code := hlerr.GuestErrorCode(codeVal)
	if code == hlerr.GuestErrorNone {
		return nil, nil
	}

	msgBytes, err := r.readLenPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: guest error message: %w", err)
	}

	return &hlerr.GuestError{Code: code, Message: string(msgBytes)}, nil
}
