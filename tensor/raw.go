package tensor

// Raw is a loosely-typed host argument. It is one of Float, Int, Sequence
// or Fields.
type Raw interface {
	isRaw()
}

// Float is a host number carrying a fractional representation.
type Float float64

// Int is a host number carrying an integral representation.
type Int int64

// Sequence is an ordered list of Raw values, possibly nested.
type Sequence []Raw

// Fields is the explicit form of an input: data with declared shape and
// element type name. Empty Type or nil Shape defer to the codec.
type Fields struct {
	Data  Raw
	Shape Shape
	Type  string
}

func (Float) isRaw()    {}
func (Int) isRaw()      {}
func (Sequence) isRaw() {}
func (Fields) isRaw()   {}

// Floats builds a flat Sequence of Float values.
func Floats(vs ...float64) Sequence {
	out := make(Sequence, len(vs))
	for i, v := range vs {
		out[i] = Float(v)
	}
	return out
}

// Ints builds a flat Sequence of Int values.
func Ints(vs ...int64) Sequence {
	out := make(Sequence, len(vs))
	for i, v := range vs {
		out[i] = Int(v)
	}
	return out
}
