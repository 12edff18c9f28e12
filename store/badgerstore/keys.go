package badgerstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Key layout for BadgerDB. Components are separated by 0x00 and escaped so
// that no component contains the separator.
//
//	catalog:  \x00catalog\x00[table]
//	record:   t\x00[table]\x00r\x00[pk]
//	index:    t\x00[table]\x00i\x00[index]\x00[value]\x00[pk]
//
// Values are encoded so that byte order matches value order within a type.

const keySeparator byte = 0x00

// Type markers, in sort order.
const (
	keyTypeFalse  byte = 'F'
	keyTypeTrue   byte = 'T'
	keyTypeNumber byte = 'N'
	keyTypeString byte = 'S'
	keyTypeTime   byte = 'D'
	keyTypeBinary byte = 'B'
)

var catalogPrefix = []byte{keySeparator, 'c', 'a', 't', 'a', 'l', 'o', 'g', keySeparator}

func catalogKey(table string) []byte {
	return join(catalogPrefix, escapeBytes([]byte(table)))
}

func tablePrefix(table string, kind byte) []byte {
	return join([]byte{'t', keySeparator}, escapeBytes([]byte(table)), []byte{keySeparator, kind, keySeparator})
}

func recordPrefix(table string) []byte {
	return tablePrefix(table, 'r')
}

func recordKey(table string, pk any) ([]byte, error) {
	enc, err := encodeValue(pk)
	if err != nil {
		return nil, fmt.Errorf("encode primary key: %w", err)
	}
	return join(recordPrefix(table), enc), nil
}

func indexPrefix(table, index string) []byte {
	return join(tablePrefix(table, 'i'), escapeBytes([]byte(index)), []byte{keySeparator})
}

// indexValuePrefix is the prefix of every entry of index whose value is v.
func indexValuePrefix(table, index string, v any) ([]byte, error) {
	enc, err := encodeValue(v)
	if err != nil {
		return nil, fmt.Errorf("encode index value: %w", err)
	}
	return join(indexPrefix(table, index), enc, []byte{keySeparator}), nil
}

func indexKey(table, index string, v, pk any) ([]byte, error) {
	prefix, err := indexValuePrefix(table, index, v)
	if err != nil {
		return nil, err
	}
	enc, err := encodeValue(pk)
	if err != nil {
		return nil, fmt.Errorf("encode primary key: %w", err)
	}
	return join(prefix, enc), nil
}

func join(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}

// encodeValue encodes a scalar key value. Numbers of every Go type encode
// alike, so 1 and 1.0 address the same record.
func encodeValue(v any) ([]byte, error) {
	var payload []byte
	var marker byte
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is not a valid key")
	case bool:
		marker = keyTypeFalse
		if x {
			marker = keyTypeTrue
		}
	case string:
		marker = keyTypeString
		payload = []byte(x)
	case []byte:
		marker = keyTypeBinary
		payload = x
	case time.Time:
		marker = keyTypeTime
		payload = encodeNumber(float64(x.UnixMilli()))
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", v)
		}
		marker = keyTypeNumber
		payload = encodeNumber(f)
	}
	return append([]byte{marker}, escapeBytes(payload)...), nil
}

// encodeNumber encodes a float64 for lexicographic ordering.
// Format: [sign byte][big-endian bits]
// Positive numbers: 0x80 + bits with the sign bit flipped
// Negative numbers: 0x7F + all bits inverted
func encodeNumber(f float64) []byte {
	bits := math.Float64bits(f)
	buf := make([]byte, 9)
	if f >= 0 {
		buf[0] = 0x80
		bits ^= 1 << 63
	} else {
		buf[0] = 0x7F
		bits = ^bits
	}
	binary.BigEndian.PutUint64(buf[1:], bits)
	return buf
}

// escapeBytes escapes null bytes (0x00) in the input to preserve separator integrity.
// Uses 0x01 0x01 for literal 0x00, and 0x01 0x02 for literal 0x01.
func escapeBytes(b []byte) []byte {
	var buf bytes.Buffer
	for _, c := range b {
		switch c {
		case 0x00:
			buf.WriteByte(0x01)
			buf.WriteByte(0x01)
		case 0x01:
			buf.WriteByte(0x01)
			buf.WriteByte(0x02)
		default:
			buf.WriteByte(c)
		}
	}
	return buf.Bytes()
}

// unescapeBytes reverses the escaping done by escapeBytes.
func unescapeBytes(b []byte) []byte {
	var buf bytes.Buffer
	for i := 0; i < len(b); i++ {
		if b[i] == 0x01 && i+1 < len(b) {
			switch b[i+1] {
			case 0x01:
				buf.WriteByte(0x00)
				i++
				continue
			case 0x02:
				buf.WriteByte(0x01)
				i++
				continue
			}
		}
		buf.WriteByte(b[i])
	}
	return buf.Bytes()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
