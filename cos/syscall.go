/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

func UnwrapSyscallErr(err error) error {
	var serr *os.SyscallError
	if errors.As(err, &serr) {
		return serr.Unwrap()
	}
	return nil
}

func IsErrConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool   { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }
func IsEOF(err error) bool                  { return errors.Is(err, io.EOF) }

// IsRetriableConnErr reports whether err is the kind of transport failure
// that warrants tearing down and re-establishing a connection (DB conn or
// worker child process) rather than surfacing InternalError to the caller.
func IsRetriableConnErr(err error) bool {
	return IsErrConnectionRefused(err) || IsErrConnectionReset(err) || IsErrBrokenPipe(err) || IsEOF(err)
}

func isErrDNSLookup(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsUnreachable reports whether err indicates the remote end (DB server,
// worker child process) cannot currently be reached at all, as distinct
// from a request-level failure against a reachable peer.
func IsUnreachable(err error) bool {
	return IsErrConnectionRefused(err) || isErrDNSLookup(err) || errors.Is(err, context.DeadlineExceeded)
}
