package ipc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame payloads are self-describing CBOR maps with deterministic key order,
// so both sides of every socket agree on byte-for-byte encodings.
var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	opts := cbor.EncOptions{Sort: cbor.SortCoreDeterministic}
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Encode serializes v to CBOR bytes.
func Encode(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode cbor payload: %w", err)
	}
	return data, nil
}

// Decode deserializes CBOR bytes into v.
func Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cbor payload: %w", err)
	}
	return nil
}
