// Copyright 2026 The Hivewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for persisted
// blobs. The session store serializes each team-config snapshot with
// Marshal; because encoding is deterministic (RFC 8949 §4.2 core
// deterministic encoding), the same logical config always produces
// identical bytes, which keeps repeated ensure-session calls for the
// same config byte-stable in the database.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed targets (the structured message payloads are
		// map[string]any) must decode to map[string]any, not the CBOR
		// default map[interface{}]interface{}, so they round-trip
		// through encoding/json on the way to observers.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}
