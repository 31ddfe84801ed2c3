package codec

import (
	"encoding/binary"
	"io"
)

// writeByte writes a single byte to w.
func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// writeTwoByteInt writes a big-endian uint16 to w.
func writeTwoByteInt(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// writeUTF8String writes a length-prefixed (u16 big-endian) UTF-8 string to w.
func writeUTF8String(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return ErrPayloadTooLarge
	}
	if err := writeTwoByteInt(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// writeBinaryData writes a length-prefixed (u16 big-endian) raw byte slice to w.
func writeBinaryData(w io.Writer, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrPayloadTooLarge
	}
	if err := writeTwoByteInt(w, uint16(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// readTwoByteInt reads a big-endian uint16 from the start of data.
// Returns the value and the number of bytes consumed.
func readTwoByteInt(data []byte) (uint16, int, error) {
	if len(data) < 2 {
		return 0, 0, ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint16(data), 2, nil
}

// readUTF8String reads a length-prefixed (u16 big-endian) UTF-8 string from the
// start of data, validating it per MQTT string rules. Returns the string and
// the number of bytes consumed.
func readUTF8String(data []byte) (string, int, error) {
	length, n, err := readTwoByteInt(data)
	if err != nil {
		return "", 0, err
	}
	total := n + int(length)
	if len(data) < total {
		return "", 0, ErrUnexpectedEOF
	}
	raw := data[n:total]
	if err := ValidateUTF8String(raw); err != nil {
		return "", 0, err
	}
	return string(raw), total, nil
}

// readBinaryData reads a length-prefixed (u16 big-endian) raw byte slice from
// the start of data. Returns a copy of the bytes and the number consumed.
func readBinaryData(data []byte) ([]byte, int, error) {
	length, n, err := readTwoByteInt(data)
	if err != nil {
		return nil, 0, err
	}
	total := n + int(length)
	if len(data) < total {
		return nil, 0, ErrUnexpectedEOF
	}
	out := make([]byte, length)
	copy(out, data[n:total])
	return out, total, nil
}
