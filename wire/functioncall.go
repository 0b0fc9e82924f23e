package wire

import "fmt"

// FunctionCall is the request half of one guest-to-host or host-to-guest
// invocation (spec §3: "FunctionCall: {name: string, args: ordered list
// of TypedValue}").
type FunctionCall struct {
	Name string
	Args []TypedValue
}

// Encode writes c into buf, returning the written prefix. overflowErr is
// the sentinel reported once buf is too small (ErrArgumentsTooLarge for
// the input region, ErrResultTooLarge for the output region).
func (c FunctionCall) Encode(buf []byte, overflowErr error) ([]byte, error) {
	w := NewWriter(buf, overflowErr)

	if err := w.writeLenPrefixed([]byte(c.Name)); err != nil {
		return nil, err
	}

	if err := w.writeU32(uint32(len(c.Args))); err != nil {
		return nil, err
	}

	for i, arg := range c.Args {
		if err := w.WriteTypedValue(arg); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
	}

	return w.Bytes(), nil
}

// DecodeFunctionCall reads a FunctionCall previously written by Encode.
func DecodeFunctionCall(buf []byte) (FunctionCall, error) {
	r := NewReader(buf)

	nameBytes, err := r.readLenPrefixed()
	if err != nil {
		return FunctionCall{}, fmt.Errorf("wire: function call name: %w", err)
	}

	argc, err := r.readU32()
	if err != nil {
		return FunctionCall{}, fmt.Errorf("wire: function call argc: %w", err)
	}

	args := make([]TypedValue, 0, argc)

	for i := uint32(0); i < argc; i++ {
		v, err := r.ReadTypedValue()
		if err != nil {
			return FunctionCall{}, fmt.Errorf("wire: function call argument %d: %w", i, err)
		}

		args = append(args, v)
	}

	return FunctionCall{Name: string(nameBytes), Args: args}, nil
}

// FunctionCallResult is the response half of an invocation (spec §3:
// "FunctionCallResult: {return: TypedValue | void}"). A void return is
// represented by Return.Kind == KindVoid.
type FunctionCallResult struct {
	Return TypedValue
}

// Encode writes r into buf.
func (r FunctionCallResult) Encode(buf []byte, overflowErr error) ([]byte, error) {
	w := NewWriter(buf, overflowErr)

	if err := w.WriteTypedValue(r.Return); err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// DecodeFunctionCallResult reads a FunctionCallResult previously written
// by Encode.
func DecodeFunctionCallResult(buf []byte) (FunctionCallResult, error) {
	r := NewReader(buf)

	v, err := r.ReadTypedValue()
	if err != nil {
		return FunctionCallResult{}, fmt.Errorf("wire: function call result: %w", err)
	}

	return FunctionCallResult{Return: v}, nil
}

// HostFunctionDefinition is one entry of the catalog the host publishes
// to the guest at init time (spec §3: "HostFunctionDefinition: {name,
// parameter_kinds, return_kind, flags}").
type HostFunctionDefinition struct {
	Name           string
	ParameterKinds []Kind
	ReturnKind     Kind
	Flags          uint32
}

func (d HostFunctionDefinition) encode(w *Writer) error {
	if err := w.writeLenPrefixed([]byte(d.Name)); err != nil {
		return err
	}

	if err := w.writeU32(uint32(len(d.ParameterKinds))); err != nil {
		return err
	}

	for _, k := range d.ParameterKinds {
		if err := w.writeByte(byte(k)); err != nil {
			return err
		}
	}

	if err := w.writeByte(byte(d.ReturnKind)); err != nil {
		return err
	}

	return w.writeU32(d.Flags)
}

func decodeHostFunctionDefinition(r *Reader) (HostFunctionDefinition, error) {
	nameBytes, err := r.readLenPrefixed()
	if err != nil {
		return HostFunctionDefinition{}, fmt.Errorf("name: %w", err)
	}

	paramc, err := r.readU32()
	if err != nil {
		return HostFunctionDefinition{}, fmt.Errorf("parameter count: %w", err)
	}

	params := make([]Kind, 0, paramc)

	for i := uint32(0); i < paramc; i++ {
		b, err := r.readByte()
		if err != nil {
			return HostFunctionDefinition{}, fmt.Errorf("parameter %d: %w", i, err)
		}

		k := Kind(b)
		if !k.valid() {
			return HostFunctionDefinition{}, fmt.Errorf("parameter %d: reserved kind %d", i, b)
		}

		params = append(params, k)
	}

	retByte, err := r.readByte()
	if err != nil {
		return HostFunctionDefinition{}, fmt.Errorf("return kind: %w", err)
	}

	ret := Kind(retByte)
	if !ret.valid() {
		return HostFunctionDefinition{}, fmt.Errorf("reserved return kind %d", retByte)
	}

	flags, err := r.readU32()
	if err != nil {
		return HostFunctionDefinition{}, fmt.Errorf("flags: %w", err)
	}

	return HostFunctionDefinition{
		Name:           string(nameBytes),
		ParameterKinds: params,
		ReturnKind:     ret,
		Flags:          flags,
	}, nil
}

// EncodeHostFunctionDefinitions writes the whole catalog (a count
// followed by each definition in order) into buf.
func EncodeHostFunctionDefinitions(defs []HostFunctionDefinition, buf []byte, overflowErr error) ([]byte, error) {
	w := NewWriter(buf, overflowErr)

	if err := w.writeU32(uint32(len(defs))); err != nil {
		return nil, err
	}

	for i, d := range defs {
		if err := d.encode(w); err != nil {
			return nil, fmt.Errorf("definition %d (%s): %w", i, d.Name, err)
		}
	}

	return w.Bytes(), nil
}

// DecodeHostFunctionDefinitions reads a catalog previously written by
// EncodeHostFunctionDefinitions.
func DecodeHostFunctionDefinitions(buf []byte) ([]HostFunctionDefinition, error) {
	r := NewReader(buf)

	count, err := r.readU32()
	if err != nil {
		return nil, fmt.Errorf("wire: host function definition count: %w", err)
	}

	defs := make([]HostFunctionDefinition, 0, count)

	for i := uint32(0); i < count; i++ {
		d, err := decodeHostFunctionDefinition(r)
		if err != nil {
			return nil, fmt.Errorf("wire: host function definition %d: %w", i, err)
		}

		defs = append(defs, d)
	}

	return defs, nil
}
