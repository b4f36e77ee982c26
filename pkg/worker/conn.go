package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// The data stream between a controller and one worker:
//
//              +-------------+                 +----------+
//              |   Client    |   payload frame |  worker  |
//   Dispatch   |  (one Call) |---------------->| process  |
//  ----------->|             |                 |          |
//              |             |<----------------|          |
//              +-------------+   result frame  +----------+
//                     ^                              |
//                     |          exit status         |
//                     +------------------------------+
//
// Exactly one frame travels in each direction. A frame is an 8 byte big endian
// length followed by that many bytes of JSON.

const (
	headerSize = 8 // 8 bytes for int64 length
	// MaxFrameSize bounds a single frame, same as the rpc message limit
	MaxFrameSize = 100 * 1024 * 1024
)

// ErrFrameTooLarge is returned when a frame header announces more than MaxFrameSize bytes
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// WriteFrame marshals v and writes it as a single frame
func WriteFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	n, err := w.Write(int64ToBytes(int64(len(data))))
	if err != nil {
		return err
	}
	if n != headerSize {
		return io.ErrShortWrite
	}
	n, err = w.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads one frame and unmarshals it into v.
// It returns io.EOF when the stream ends before any byte of a frame,
// and io.ErrUnexpectedEOF when it ends in the middle of one.
func ReadFrame(r io.Reader, v interface{}) error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}
	size := bytesToInt64(header)
	if size < 0 || size > MaxFrameSize {
		return ErrFrameTooLarge
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func int64ToBytes(i int64) []byte {
	var buf = make([]byte, headerSize)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}
