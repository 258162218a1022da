package ep

import "github.com/fxamacker/cbor/v2"

// encMode is shared by every encoder in this package so that equal Go values
// always produce identical bytes (map keys sorted canonically).
var encMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	// CanonicalEncOptions defaults to ShortestFloat16, which would shrink a
	// float64-backed value type down to a float16 wire encoding whenever the
	// value round-trips losslessly (e.g. Voltage{744} -> F9 61 D0). Value
	// types are declared float64 on the wire, so pin the width explicitly.
	opts.ShortestFloat = cbor.ShortestFloatNone
	em, err := opts.EncMode()
	if err != nil {
		panic("ep: failed to build canonical CBOR encode mode: " + err.Error())
	}
	return em
}

func marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}
