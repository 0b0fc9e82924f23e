// Package wire implements C6: the tagged, length-prefixed, little-endian
// binary format used to marshal FunctionCall/FunctionCallResult/
// GuestError/HostFunctionDefinition values through the shared-memory
// input/output buffers in both directions.
//
// The framing style — a tag byte (here; gokvm's migration/transport.go
// uses a 4-byte type) followed by a length-prefixed payload — is adapted
// field-for-field from that file's Sender/Receiver. Fixed-width fields
// are encoded with binary.LittleEndian's Put/Uint helpers.
package wire

import "fmt"

// Kind is the wire tag transmitted with every TypedValue (spec §3
// "TypedValue variants").
type Kind uint8

const (
	KindVoid Kind = iota
	KindI32
	KindI64
	KindU32
	KindU64
	KindBool
	KindString
	KindByteArray

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindByteArray:
		return "byte_array"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// valid reports whether k is one of the closed set of known tags (spec
// §4.6: "The reader validates the tag byte against an expected set and
// rejects values of reserved variant bytes").
func (k Kind) valid() bool { return k < numKinds }
