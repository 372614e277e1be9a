package collab

import (
	"github.com/fxamacker/cbor/v2"
)

// wire encoding is CBOR with Core Deterministic Encoding (RFC 8949 4.2):
// sorted map keys, smallest integer encoding, no indefinite-length items.
// the same logical frame always produces identical bytes, which keeps
// snapshot checksums and test fixtures stable.
var encMode cbor.EncMode

// the decoder accepts standard CBOR. unknown fields are ignored so newer
// peers can add frame fields without breaking older ones.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("collab: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("collab: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
