/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/tinylib/msgp/msgp"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// CancelEntry is the reserved entry name that bypasses the dispatcher queue
// to cancel an in-flight request (§3, §4.1).
const CancelEntry = "__cancel__"

// PingEntry is the reserved entry name the offload client uses for a
// preflight liveness check (§4.5). Like __cancel__, it bypasses the
// dispatcher and manifest lookup entirely, so a ping never depends on what
// exports happen to be declared.
const PingEntry = "__ping__"

// Request is the wire request envelope (§3). Field names are fixed by the
// specification and are what both the msgpack and JSON codecs key on.
type Request struct {
	RequestID uint64 `json:"request_id"`
	Entry     string `json:"entry"`
	TimeoutMs uint32 `json:"timeout_ms"`
	Codec     Codec  `json:"codec"`
	Payload   []byte `json:"payload"`
}

// Response is the wire response envelope (§3).
type Response struct {
	RequestID uint64             `json:"request_id"`
	Status    Status             `json:"status"`
	Payload   []byte             `json:"payload,omitempty"`
	Error     string             `json:"error,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// CancelPayload is the payload of a __cancel__ request.
type CancelPayload struct {
	RequestID uint64 `json:"request_id"`
}

//
// encode/decode dispatch by codec
//

func EncodeRequest(req *Request, codec Codec) ([]byte, error) {
	switch codec {
	case CodecMsgPack:
		return req.MarshalMsg(nil)
	case CodecJSON:
		return jsonAPI.Marshal(req)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

func DecodeRequest(b []byte, codec Codec) (*Request, error) {
	req := new(Request)
	switch codec {
	case CodecMsgPack:
		if _, err := req.UnmarshalMsg(b); err != nil {
			return nil, err
		}
	case CodecJSON:
		if err := jsonAPI.Unmarshal(b, req); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
	return req, nil
}

func EncodeResponse(resp *Response, codec Codec) ([]byte, error) {
	switch codec {
	case CodecMsgPack:
		return resp.MarshalMsg(nil)
	case CodecJSON:
		return jsonAPI.Marshal(resp)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

func DecodeResponse(b []byte, codec Codec) (*Response, error) {
	resp := new(Response)
	switch codec {
	case CodecMsgPack:
		if _, err := resp.UnmarshalMsg(b); err != nil {
			return nil, err
		}
	case CodecJSON:
		if err := jsonAPI.Unmarshal(b, resp); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
	return resp, nil
}

func EncodeCancel(p *CancelPayload, codec Codec) ([]byte, error) {
	switch codec {
	case CodecMsgPack:
		return p.MarshalMsg(nil)
	case CodecJSON:
		return jsonAPI.Marshal(p)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

func DecodeCancel(b []byte, codec Codec) (*CancelPayload, error) {
	p := new(CancelPayload)
	switch codec {
	case CodecMsgPack:
		if _, err := p.UnmarshalMsg(b); err != nil {
			return nil, err
		}
	case CodecJSON:
		if err := jsonAPI.Unmarshal(b, p); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
	return p, nil
}

//
// hand-written msgp codecs, in the shape msgp's codegen would produce:
// a map header followed by (key, value) pairs, decoded via a field-name
// switch that skips anything unrecognized (unknown request fields are
// ignored per §6).
//

func (r *Request) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 5)
	o = msgp.AppendString(o, "request_id")
	o = msgp.AppendUint64(o, r.RequestID)
	o = msgp.AppendString(o, "entry")
	o = msgp.AppendString(o, r.Entry)
	o = msgp.AppendString(o, "timeout_ms")
	o = msgp.AppendUint32(o, r.TimeoutMs)
	o = msgp.AppendString(o, "codec")
	o = msgp.AppendString(o, string(r.Codec))
	o = msgp.AppendString(o, "payload")
	o = msgp.AppendBytes(o, r.Payload)
	return o, nil
}

func (r *Request) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < sz; i++ {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return nil, err
		}
		switch string(field) {
		case "request_id":
			r.RequestID, bts, err = msgp.ReadUint64Bytes(bts)
		case "entry":
			r.Entry, bts, err = msgp.ReadStringBytes(bts)
		case "timeout_ms":
			r.TimeoutMs, bts, err = msgp.ReadUint32Bytes(bts)
		case "codec":
			var s string
			s, bts, err = msgp.ReadStringBytes(bts)
			r.Codec = Codec(s)
		case "payload":
			r.Payload, bts, err = msgp.ReadBytesBytes(bts, nil)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return nil, err
		}
	}
	return bts, nil
}

func (r *Response) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 5)
	o = msgp.AppendString(o, "request_id")
	o = msgp.AppendUint64(o, r.RequestID)
	o = msgp.AppendString(o, "status")
	o = msgp.AppendString(o, string(r.Status))
	o = msgp.AppendString(o, "payload")
	o = msgp.AppendBytes(o, r.Payload)
	o = msgp.AppendString(o, "error")
	o = msgp.AppendString(o, r.Error)
	o = msgp.AppendString(o, "metrics")
	o = msgp.AppendMapHeader(o, uint32(len(r.Metrics)))
	for k, v := range r.Metrics {
		o = msgp.AppendString(o, k)
		o = msgp.AppendFloat64(o, v)
	}
	return o, nil
}

func (r *Response) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < sz; i++ {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return nil, err
		}
		switch string(field) {
		case "request_id":
			r.RequestID, bts, err = msgp.ReadUint64Bytes(bts)
		case "status":
			var s string
			s, bts, err = msgp.ReadStringBytes(bts)
			r.Status = Status(s)
		case "payload":
			r.Payload, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "error":
			r.Error, bts, err = msgp.ReadStringBytes(bts)
		case "metrics":
			var msz uint32
			msz, bts, err = msgp.ReadMapHeaderBytes(bts)
			if err != nil {
				return nil, err
			}
			r.Metrics = make(map[string]float64, msz)
			for j := uint32(0); j < msz; j++ {
				var k string
				var v float64
				k, bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					return nil, err
				}
				v, bts, err = msgp.ReadFloat64Bytes(bts)
				if err != nil {
					return nil, err
				}
				r.Metrics[k] = v
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return nil, err
		}
	}
	return bts, nil
}

func (p *CancelPayload) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 1)
	o = msgp.AppendString(o, "request_id")
	o = msgp.AppendUint64(o, p.RequestID)
	return o, nil
}

func (p *CancelPayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < sz; i++ {
		var field []byte
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return nil, err
		}
		switch string(field) {
		case "request_id":
			p.RequestID, bts, err = msgp.ReadUint64Bytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return nil, err
		}
	}
	return bts, nil
}
