/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// DecodeValue decodes a handler payload into a generic Go value (nil, bool,
// int64, float64, string, []byte, []any, map[string]any) without requiring
// a generated struct for every export's argument shape — demo handlers and
// the db_query/db_exec handlers alike consume whatever shape their export
// declares via codec_in.
func DecodeValue(payload []byte, codec Codec) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	switch codec {
	case CodecMsgPack:
		v, _, err := msgp.ReadIntfBytes(payload)
		return v, err
	case CodecJSON:
		var v any
		err := jsonAPI.Unmarshal(payload, &v)
		return v, err
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// EncodeValue is DecodeValue's inverse, used to produce a handler's result
// payload in the export's declared codec_out.
func EncodeValue(v any, codec Codec) ([]byte, error) {
	switch codec {
	case CodecMsgPack:
		return msgp.AppendIntf(nil, v)
	case CodecJSON:
		return jsonAPI.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}
