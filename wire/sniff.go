/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

// SniffCodec inspects a just-read frame's leading byte to determine which
// codec the envelope itself was encoded with, so the worker can decode the
// very first frame on a connection without a separate handshake. JSON
// envelopes always start (after optional whitespace) with '{'; none of
// msgp's map-header prefixes (fixmap 0x80-0x8f, map16 0xde, map32 0xdf)
// collide with that byte, so the two are unambiguous on the wire.
func SniffCodec(frame []byte) Codec {
	for _, b := range frame {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return CodecJSON
		default:
			return CodecMsgPack
		}
	}
	return CodecMsgPack
}
