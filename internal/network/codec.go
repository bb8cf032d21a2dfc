package network

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxMessageSize bounds a single worker message
const maxMessageSize = 64 << 20

// writeMessage writes v as a 4-byte big-endian length prefix followed by msgpack
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

// request is sent to the worker process
type request struct {
	Op      string            `msgpack:"op"` // hello, forward, bye
	Seq     uint64            `msgpack:"seq,omitempty"`
	Model   string            `msgpack:"model,omitempty"`
	Weights map[string]string `msgpack:"weights,omitempty"`
	Shape   []int             `msgpack:"shape,omitempty"` // frames, height, width, channels
	Data    []byte            `msgpack:"data,omitempty"`  // little-endian float32
}

// response is read back from the worker process
type response struct {
	OK     bool      `msgpack:"ok"`
	Scores []float64 `msgpack:"scores"`
	Error  string    `msgpack:"error"`
}
