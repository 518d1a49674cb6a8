// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Classify maps an I/O failure onto its ErrorKind. Classification is
// structural (errors.Is / errors.As against sentinel and syscall
// errors); message text is never inspected.
func Classify(endpoint string, err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	switch {
	case errors.Is(err, context.Canceled):
		return NewError(KindCancelled, endpoint, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return NewError(KindTimeout, endpoint, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewError(KindConnRefused, endpoint, err)
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return NewError(KindClosedByPeer, endpoint, err)
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, syscall.ENOENT),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, syscall.ENXIO):
		return NewError(KindPortMissing, endpoint, err)
	case errors.Is(err, syscall.EBUSY):
		return NewError(KindPortBusy, endpoint, err)
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return NewError(KindPermissionDenied, endpoint, err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(KindTimeout, endpoint, err)
	}
	return NewError(KindIO, endpoint, err)
}
