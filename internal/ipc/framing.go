// Package ipc implements the framed transport shared by every planter
// socket: client<->daemon and daemon<->worker. One frame is a 4-byte
// big-endian payload size followed by exactly that many payload bytes.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxFrameSize is the largest payload accepted in either direction.
const MaxFrameSize = 8 * 1024 * 1024

// FrameTooLargeError reports a frame whose declared size exceeds MaxFrameSize.
type FrameTooLargeError struct {
	Size uint32
	Max  uint32
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("frame too large: %d > %d", e.Size, e.Max)
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		size := uint64(len(payload))
		if size > math.MaxUint32 {
			size = math.MaxUint32
		}
		return &FrameTooLargeError{Size: uint32(size), Max: MaxFrameSize}
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r. Oversize headers are
// rejected before any payload allocation. Truncated frames surface as
// io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, &FrameTooLargeError{Size: size, Max: MaxFrameSize}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
