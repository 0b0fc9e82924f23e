package wire

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
)

// EncodeHostException writes message into the host-exception region
// (spec §4.10: "on mismatch, the call fails with HostFunctionTypeMismatch
// and the guest receives a serialized host exception rather than a
// result"). An empty message means no exception; writing one clears any
// exception left by a previous call in the reused buffer.
func EncodeHostException(message string, buf []byte) ([]byte, error) {
	w := NewWriter(buf, hlerr.ErrResultTooLarge)

	if err := w.writeLenPrefixed([]byte(message)); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// DecodeHostException reads the host-exception region. An empty string
// means the last host call completed without a host-side exception.
func DecodeHostException(buf []byte) (string, error) {
	if len(buf) == 0 {
		return "", nil
	}

	r := NewReader(buf)

	msgBytes, err := r.readLenPrefixed()
	if err != nil {
		return "", fmt.Errorf("wire: host exception: %w", err)
	}

	return string(msgBytes), nil
}
