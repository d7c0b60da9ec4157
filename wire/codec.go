/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import "fmt"

// Codec names an encoding (§3). The server sniffs an envelope's codec from
// its first byte and takes a payload's codec from the export's manifest
// entry; the envelope's own codec field is carried but not consulted.
type Codec string

const (
	CodecMsgPack Codec = "msgpack"
	CodecJSON    Codec = "json"
	// CodecArrowIPC is reserved: declared in the manifest/codec enum but
	// not implemented by this worker (§3: "last is reserved").
	CodecArrowIPC Codec = "arrow_ipc"
)

func (c Codec) Known() bool {
	switch c {
	case CodecMsgPack, CodecJSON, CodecArrowIPC:
		return true
	default:
		return false
	}
}

func (c Codec) Implemented() bool { return c == CodecMsgPack || c == CodecJSON }

// Status is the terminal outcome of one request/response exchange (§3, §7).
type Status string

const (
	StatusOk            Status = "Ok"
	StatusInvalidInput  Status = "InvalidInput"
	StatusBusy          Status = "Busy"
	StatusTimeout       Status = "Timeout"
	StatusCancelled     Status = "Cancelled"
	StatusInternalError Status = "InternalError"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOk, StatusInvalidInput, StatusBusy, StatusTimeout, StatusCancelled, StatusInternalError:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}
