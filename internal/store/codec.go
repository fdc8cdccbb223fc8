package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/darmiel/cirrus/internal/core"
)

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeRecord(rec *core.IdentityRecord) ([]byte, error) {
	b, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (*core.IdentityRecord, error) {
	if b == nil {
		return nil, nil
	}
	var rec core.IdentityRecord
	if err := cbor.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}
