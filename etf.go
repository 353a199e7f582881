package gateway

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// External Term Format tags.
const (
	etfVersion       byte = 131
	etfNewFloat      byte = 70
	etfSmallInteger  byte = 97
	etfInteger       byte = 98
	etfAtom          byte = 100
	etfSmallTuple    byte = 104
	etfLargeTuple    byte = 105
	etfNil           byte = 106
	etfString        byte = 107
	etfList          byte = 108
	etfBinary        byte = 109
	etfSmallBig      byte = 110
	etfLargeBig      byte = 111
	etfSmallAtom     byte = 115
	etfMap           byte = 116
	etfAtomUTF8      byte = 118
	etfSmallAtomUTF8 byte = 119
)

var errShortTerm = errors.New("etf: unexpected end of term")

type etfDecoder struct {
	buf []byte
	pos int
}

// decodeETF turns an ETF term into JSON compatible Go values.
func decodeETF(data []byte) (any, error) {
	if len(data) == 0 || data[0] != etfVersion {
		return nil, fmt.Errorf("etf: missing version byte")
	}
	d := &etfDecoder{buf: data, pos: 1}
	v, err := d.term()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("etf: %d trailing bytes", len(d.buf)-d.pos)
	}
	return v, nil
}

func (d *etfDecoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, errShortTerm
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *etfDecoder) u8() (int, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return int(b[0]), nil
}

func (d *etfDecoder) u16() (int, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}

func (d *etfDecoder) u32() (int, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

func (d *etfDecoder) term() (any, error) {
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}

	switch byte(tag) {
	case etfSmallInteger:
		n, err := d.u8()
		return int64(n), err

	case etfInteger:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(b))), nil

	case etfNewFloat:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil

	case etfAtom, etfAtomUTF8:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		return d.atom(n)

	case etfSmallAtom, etfSmallAtomUTF8:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.atom(n)

	case etfNil:
		return []any{}, nil

	case etfString:
		n, err := d.u16()
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case etfBinary:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case etfList:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		list, err := d.terms(n)
		if err != nil {
			return nil, err
		}
		// proper lists end with an empty list tail
		if _, err := d.term(); err != nil {
			return nil, err
		}
		return list, nil

	case etfSmallTuple:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.terms(n)

	case etfLargeTuple:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.terms(n)

	case etfMap:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.mapping(n)

	case etfSmallBig:
		n, err := d.u8()
		if err != nil {
			return nil, err
		}
		return d.bignum(n)

	case etfLargeBig:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		return d.bignum(n)
	}

	return nil, fmt.Errorf("etf: unsupported tag %d at offset %d", tag, d.pos-1)
}

func (d *etfDecoder) atom(n int) (any, error) {
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	switch string(b) {
	case "nil", "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return string(b), nil
}

func (d *etfDecoder) terms(n int) ([]any, error) {
	if n > len(d.buf)-d.pos {
		return nil, errShortTerm
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := d.term()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *etfDecoder) mapping(n int) (map[string]any, error) {
	if n > len(d.buf)-d.pos {
		return nil, errShortTerm
	}
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := d.term()
		if err != nil {
			return nil, err
		}
		v, err := d.term()
		if err != nil {
			return nil, err
		}
		switch key := k.(type) {
		case string:
			out[key] = v
		case int64:
			out[strconv.FormatInt(key, 10)] = v
		case uint64:
			out[strconv.FormatUint(key, 10)] = v
		default:
			return nil, fmt.Errorf("etf: unsupported map key %T", k)
		}
	}
	return out, nil
}

func (d *etfDecoder) bignum(n int) (any, error) {
	sign, err := d.u8()
	if err != nil {
		return nil, err
	}
	digits, err := d.take(n)
	if err != nil {
		return nil, err
	}

	if n <= 8 {
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(digits[i])
		}
		if sign == 0 {
			return v, nil
		}
		if v <= math.MaxInt64 {
			return -int64(v), nil
		}
	}

	// little endian digits, too wide for 64 bits
	be := make([]byte, n)
	for i := range digits {
		be[n-1-i] = digits[i]
	}
	b := new(big.Int).SetBytes(be)
	if sign != 0 {
		b.Neg(b)
	}
	return jsoniter.Number(b.String()), nil
}

// encodeETF writes v, which must be made of JSON compatible values.
func encodeETF(v any) ([]byte, error) {
	buf := []byte{etfVersion}
	return appendETF(buf, v)
}

func appendETF(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return appendAtom(buf, "nil"), nil
	case bool:
		if t {
			return appendAtom(buf, "true"), nil
		}
		return appendAtom(buf, "false"), nil
	case string:
		buf = append(buf, etfBinary)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(t)))
		return append(buf, t...), nil
	case int:
		return appendInt(buf, int64(t)), nil
	case int64:
		return appendInt(buf, t), nil
	case uint64:
		return appendUint(buf, t, false), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return appendInt(buf, int64(t)), nil
		}
		buf = append(buf, etfNewFloat)
		return binary.BigEndian.AppendUint64(buf, math.Float64bits(t)), nil
	case jsoniter.Number:
		if i, err := t.Int64(); err == nil {
			return appendInt(buf, i), nil
		}
		if u, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return appendUint(buf, u, false), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("etf: encode number %q: %w", t, err)
		}
		return appendETF(buf, f)
	case []any:
		if len(t) == 0 {
			return append(buf, etfNil), nil
		}
		buf = append(buf, etfList)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(t)))
		var err error
		for _, item := range t {
			if buf, err = appendETF(buf, item); err != nil {
				return nil, err
			}
		}
		return append(buf, etfNil), nil
	case map[string]any:
		buf = append(buf, etfMap)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(t)))
		var err error
		for k, item := range t {
			buf = appendAtom(buf, k)
			if buf, err = appendETF(buf, item); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return nil, fmt.Errorf("etf: cannot encode %T", v)
}

func appendAtom(buf []byte, name string) []byte {
	if len(name) > math.MaxUint8 {
		buf = append(buf, etfAtomUTF8)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
		return append(buf, name...)
	}
	buf = append(buf, etfSmallAtomUTF8, byte(len(name)))
	return append(buf, name...)
}

func appendInt(buf []byte, i int64) []byte {
	switch {
	case i >= 0 && i <= math.MaxUint8:
		return append(buf, etfSmallInteger, byte(i))
	case i >= math.MinInt32 && i <= math.MaxInt32:
		buf = append(buf, etfInteger)
		return binary.BigEndian.AppendUint32(buf, uint32(int32(i)))
	case i < 0:
		return appendUint(buf, uint64(-i), true)
	}
	return appendUint(buf, uint64(i), false)
}

func appendUint(buf []byte, u uint64, negative bool) []byte {
	if !negative && u <= math.MaxInt32 {
		return appendInt(buf, int64(u))
	}
	var digits []byte
	for u > 0 {
		digits = append(digits, byte(u))
		u >>= 8
	}
	sign := byte(0)
	if negative {
		sign = 1
	}
	buf = append(buf, etfSmallBig, byte(len(digits)), sign)
	return append(buf, digits...)
}
