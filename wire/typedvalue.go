package wire

// TypedValue is a single tagged argument or return value (spec §3).
// Exactly one of the typed fields is meaningful, selected by Kind.
type TypedValue struct {
	Kind  Kind
	I32   int32
	I64   int64
	U32   uint32
	U64   uint64
	Bool  bool
	Str   string
	Bytes []byte
}

func I32(v int32) TypedValue   { return TypedValue{Kind: KindI32, I32: v} }
func I64(v int64) TypedValue   { return TypedValue{Kind: KindI64, I64: v} }
func U32(v uint32) TypedValue  { return TypedValue{Kind: KindU32, U32: v} }
func U64(v uint64) TypedValue  { return TypedValue{Kind: KindU64, U64: v} }
func Bool(v bool) TypedValue   { return TypedValue{Kind: KindBool, Bool: v} }
func String(v string) TypedValue { return TypedValue{Kind: KindString, Str: v} }
func ByteArray(v []byte) TypedValue { return TypedValue{Kind: KindByteArray, Bytes: v} }

// Void is the "no return value" FunctionCallResult payload.
var Void = TypedValue{Kind: KindVoid}

// Equal reports whether two TypedValues carry the same kind and payload.
func (v TypedValue) Equal(o TypedValue) bool {
	if v.Kind != o.Kind {
		return false
	}

	switch v.Kind {
	case KindVoid:
		return true
	case KindI32:
		return v.I32 == o.I32
	case KindI64:
		return v.I64 == o.I64
	case KindU32:
		return v.U32 == o.U32
	case KindU64:
		return v.U64 == o.U64
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindByteArray:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}

		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}

		return true
	default:
		return false
	}
}
