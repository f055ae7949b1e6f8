package keyrange

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pingcap/errors"
)

// Encoded keys are memcomparable: bytes.Compare on two encodings agrees with
// Compare on the keys. Each key starts with a type tag whose order matches the
// class order; tuples end with tupleEnd, which sorts below every tag.
const (
	tagNumber byte = 0x10
	tagDate   byte = 0x20
	tagString byte = 0x30
	tagTuple  byte = 0x50
	tagMax    byte = 0xFF
	tupleEnd  byte = 0x00

	signMask uint64 = 0x8000000000000000

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeKey returns the memcomparable encoding of a normalized key.
func EncodeKey(k Key) ([]byte, error) {
	return appendKey(nil, k)
}

// MustEncodeKey is EncodeKey for keys already validated by Normalize.
func MustEncodeKey(k Key) []byte {
	b, err := EncodeKey(k)
	if err != nil {
		panic(err)
	}
	return b
}

func appendKey(b []byte, k Key) ([]byte, error) {
	switch v := k.(type) {
	case float64:
		return appendFloat(append(b, tagNumber), v), nil
	case time.Time:
		return appendFloat(append(b, tagDate), float64(v.UnixMilli())), nil
	case string:
		return appendBytes(append(b, tagString), []byte(v)), nil
	case []any:
		b = append(b, tagTuple)
		for i, e := range v {
			var err error
			if b, err = appendKey(b, e); err != nil {
				return nil, errors.Annotatef(err, "tuple element %d", i)
			}
		}
		return append(b, tupleEnd), nil
	case maxKey:
		return append(b, tagMax), nil
	}
	return nil, errors.Annotatef(ErrInvalidKey, "cannot encode %T", k)
}

// EncodePrefix returns the byte prefix shared by the encodings of every key
// matched by StartsWith(prefix). For tuples that is the encoding without the
// terminator; for strings the group encoding cannot be cut, so the caller gets
// ok=false and must fall back to bounds.
func EncodePrefix(prefix Key) ([]byte, bool) {
	t, ok := prefix.([]any)
	if !ok {
		return nil, false
	}
	b, err := EncodeKey(t)
	if err != nil {
		return nil, false
	}
	return b[:len(b)-1], true
}

// PrefixSuccessor returns the smallest byte string greater than every string
// having p as a prefix, or nil when no such string exists.
func PrefixSuccessor(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// DecodeKey decodes a key produced by EncodeKey.
func DecodeKey(b []byte) (Key, error) {
	k, rest, err := decodeKey(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.Errorf("%d trailing bytes after key", len(rest))
	}
	return k, nil
}

func decodeKey(b []byte) (Key, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errors.New("insufficient bytes to decode key")
	}
	tag, b := b[0], b[1:]
	switch tag {
	case tagNumber:
		f, rest, err := decodeFloat(b)
		return f, rest, err
	case tagDate:
		f, rest, err := decodeFloat(b)
		if err != nil {
			return nil, nil, err
		}
		return time.UnixMilli(int64(f)).UTC(), rest, nil
	case tagString:
		rest, s, err := decodeBytes(b)
		if err != nil {
			return nil, nil, err
		}
		return string(s), rest, nil
	case tagTuple:
		t := []any{}
		for {
			if len(b) == 0 {
				return nil, nil, errors.New("unterminated tuple key")
			}
			if b[0] == tupleEnd {
				return t, b[1:], nil
			}
			var (
				e   Key
				err error
			)
			e, b, err = decodeKey(b)
			if err != nil {
				return nil, nil, err
			}
			t = append(t, e)
		}
	case tagMax:
		return Max, b, nil
	}
	return nil, nil, errors.Errorf("invalid key tag 0x%02x", tag)
}

func appendFloat(b []byte, f float64) []byte {
	u := math.Float64bits(f)
	if f >= 0 {
		u |= signMask
	} else {
		u = ^u
	}
	return binary.BigEndian.AppendUint64(b, u)
}

func decodeFloat(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errors.New("insufficient bytes to decode number")
	}
	u := binary.BigEndian.Uint64(b)
	if u&signMask > 0 {
		u &= ^signMask
	} else {
		u = ^u
	}
	return math.Float64frombits(u), b[8:], nil
}

// appendBytes uses the group encoding:
//
//	[group1][marker1]...[groupN][markerN]
//
// where each group is 8 bytes padded with 0 and the marker is 0xFF minus the
// padding count.
func appendBytes(b, data []byte) []byte {
	dLen := len(data)
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			b = append(b, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			b = append(b, data[idx:]...)
			b = append(b, pads[:padCount]...)
		}
		b = append(b, encMarker-byte(padCount))
	}
	return b
}

func decodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}
		groupBytes := b[:encGroupSize+1]
		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}
		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}
