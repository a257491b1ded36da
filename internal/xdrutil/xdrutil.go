// Package xdrutil provides protocol-agnostic RFC 4506 XDR encode/decode
// helpers shared by the ONC-RPC, NFSv3, MOUNT and PORTMAP wire codecs.
//
// Most fixed-shape request structures are decoded with the reflection-based
// github.com/rasky/go-xdr/xdr2 Unmarshal. Replies are hand-encoded with the
// helpers here because NFSv3 replies are XDR unions whose shape depends on
// the status field, which a reflection decoder cannot express without
// struct-tag gymnastics.
package xdrutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const maxOpaqueLen = 4 * 1024 * 1024

// WriteOpaque writes length-prefixed, zero-padded opaque data.
func WriteOpaque(buf *bytes.Buffer, data []byte) error {
	if err := WriteUint32(buf, uint32(len(data))); err != nil {
		return err
	}
	if _, err := buf.Write(data); err != nil {
		return fmt.Errorf("write opaque data: %w", err)
	}
	return WritePadding(buf, uint32(len(data)))
}

// WriteString writes an XDR string (identical wire shape to opaque data).
func WriteString(buf *bytes.Buffer, s string) error {
	return WriteOpaque(buf, []byte(s))
}

// WritePadding pads to the next 4-byte boundary given the length just written.
func WritePadding(buf *bytes.Buffer, dataLen uint32) error {
	pad := (4 - (dataLen % 4)) % 4
	if pad == 0 {
		return nil
	}
	var zero [3]byte
	_, err := buf.Write(zero[:pad])
	return err
}

func WriteUint32(buf *bytes.Buffer, v uint32) error {
	return binary.Write(buf, binary.BigEndian, v)
}

func WriteUint64(buf *bytes.Buffer, v uint64) error {
	return binary.Write(buf, binary.BigEndian, v)
}

func WriteInt32(buf *bytes.Buffer, v int32) error {
	return binary.Write(buf, binary.BigEndian, v)
}

func WriteBool(buf *bytes.Buffer, v bool) error {
	var n uint32
	if v {
		n = 1
	}
	return WriteUint32(buf, n)
}

// ReadOpaque reads length-prefixed, padded opaque data, rejecting absurd
// lengths so a corrupt or hostile header cannot force an unbounded alloc.
func ReadOpaque(r io.Reader) ([]byte, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read opaque length: %w", err)
	}
	if length > maxOpaqueLen {
		return nil, fmt.Errorf("opaque length %d exceeds maximum %d", length, maxOpaqueLen)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read opaque data: %w", err)
	}
	pad := (4 - (length % 4)) % 4
	if pad > 0 {
		var skip [3]byte
		if _, err := io.ReadFull(r, skip[:pad]); err != nil {
			return nil, fmt.Errorf("skip padding: %w", err)
		}
	}
	return data, nil
}

func ReadString(r io.Reader) (string, error) {
	data, err := ReadOpaque(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func ReadUint32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func ReadInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint32(r)
	return v != 0, err
}
