// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// DataFormat selects how trace values travel on the wire.
type DataFormat int

// Trace data formats.
const (
	FormatASCII DataFormat = iota
	FormatReal32
	FormatReal64
)

var formatDesc = map[DataFormat]string{
	FormatASCII:  "ASCII",
	FormatReal32: "REAL,32",
	FormatReal64: "REAL,64",
}

func (f DataFormat) String() string {
	if d, ok := formatDesc[f]; ok {
		return d
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseDataFormat accepts "ascii", "real32"/"real,32" and "real64"/"real,64".
func ParseDataFormat(s string) (DataFormat, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), ",", "")) {
	case "ascii", "asc", "":
		return FormatASCII, nil
	case "real32", "bin", "binary":
		return FormatReal32, nil
	case "real64":
		return FormatReal64, nil
	}
	return FormatASCII, &ValidationError{Param: "data format", Value: s, Reason: "want ascii, real32 or real64"}
}

// wordSize returns the byte width of one value.
func (f DataFormat) wordSize() int {
	switch f {
	case FormatReal32:
		return 4
	case FormatReal64:
		return 8
	}
	return 0
}

// DefaultMaxBlockSize is the largest block payload a session accepts unless
// WithMaxBlockSize says otherwise.
const DefaultMaxBlockSize = 64 << 20

// readBlock reads an IEEE 488.2 definite length block
//
//	'#' <n digit> <n digits of length> <length bytes> <terminator>
//
// and returns the payload. "#0" (indefinite length) is read up to the
// terminator. A declared length above limit is rejected before any payload is
// read; limit <= 0 means no limit.
func readBlock(rd *bufio.Reader, cmd string, term byte, limit int) ([]byte, error) {
	hdr, err := rd.ReadByte()
	if err != nil {
		return nil, err
	}
	if hdr != '#' {
		return nil, &ProtocolError{Command: cmd, Raw: []byte{hdr}, Reason: "block must start with #"}
	}
	nd, err := rd.ReadByte()
	if err != nil {
		return nil, err
	}
	if nd < '0' || nd > '9' {
		return nil, &ProtocolError{Command: cmd, Raw: []byte{hdr, nd}, Reason: "bad block digit count"}
	}
	if nd == '0' {
		payload, err := rd.ReadBytes(term)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(payload, []byte{term}), nil
	}
	lenDigits := make([]byte, int(nd-'0'))
	if _, err := io.ReadFull(rd, lenDigits); err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(string(lenDigits))
	if err != nil || n < 0 {
		raw := append([]byte{hdr, nd}, lenDigits...)
		return nil, &ProtocolError{Command: cmd, Raw: raw, Reason: "bad block length", Err: err}
	}
	if limit > 0 && n > limit {
		raw := append([]byte{hdr, nd}, lenDigits...)
		return nil, &ProtocolError{Command: cmd, Raw: raw, Reason: fmt.Sprintf("block length %d exceeds %d", n, limit)}
	}
	// The buffer grows with the bytes that actually arrive.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, rd, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	payload := buf.Bytes()
	end, err := rd.ReadByte()
	if err != nil {
		return nil, err
	}
	if end == '\r' {
		if end, err = rd.ReadByte(); err != nil {
			return nil, err
		}
	}
	if end != term {
		return nil, &ProtocolError{Command: cmd, Raw: []byte{end}, Reason: "block not followed by terminator"}
	}
	return payload, nil
}

// DecodeBlock parses an in-memory definite length block. A trailing
// terminator is optional.
func DecodeBlock(raw []byte) ([]byte, error) {
	rd := bufio.NewReader(io.MultiReader(bytes.NewReader(raw), strings.NewReader("\n")))
	p, err := readBlock(rd, "", '\n', DefaultMaxBlockSize)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, &ProtocolError{Raw: raw, Reason: "short block", Err: err}
	}
	return p, err
}

// EncodeBlock wraps payload in a definite length block header.
func EncodeBlock(payload []byte) []byte {
	n := strconv.Itoa(len(payload))
	out := make([]byte, 0, 2+len(n)+len(payload))
	out = append(out, '#', byte('0'+len(n)))
	out = append(out, n...)
	return append(out, payload...)
}

// DecodeFloats converts a binary payload of REAL,32 or REAL,64 words.
func DecodeFloats(payload []byte, f DataFormat, order binary.ByteOrder) ([]float64, error) {
	size := f.wordSize()
	if size == 0 {
		return nil, &ValidationError{Param: "data format", Value: f, Reason: "not a binary format"}
	}
	if len(payload)%size != 0 {
		return nil, &ProtocolError{Raw: payload, Reason: fmt.Sprintf("payload length %d is not a multiple of %d", len(payload), size)}
	}
	if order == nil {
		order = binary.LittleEndian
	}
	vals := make([]float64, 0, len(payload)/size)
	for i := 0; i < len(payload); i += size {
		if size == 4 {
			vals = append(vals, float64(math.Float32frombits(order.Uint32(payload[i:]))))
		} else {
			vals = append(vals, math.Float64frombits(order.Uint64(payload[i:])))
		}
	}
	return vals, nil
}

// EncodeFloats is the inverse of DecodeFloats.
func EncodeFloats(vals []float64, f DataFormat, order binary.ByteOrder) []byte {
	if order == nil {
		order = binary.LittleEndian
	}
	size := f.wordSize()
	out := make([]byte, len(vals)*size)
	for i, v := range vals {
		switch size {
		case 4:
			order.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		case 8:
			order.PutUint64(out[i*8:], math.Float64bits(v))
		}
	}
	return out
}

// ParseFloatList parses a comma and/or whitespace separated list. With
// countPrefix the first value is the number of values that follow and must
// match.
func ParseFloatList(s string, countPrefix bool) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if countPrefix {
		if len(fields) == 0 {
			return nil, &ProtocolError{Raw: []byte(s), Reason: "missing count prefix"}
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, &ProtocolError{Raw: []byte(s), Reason: "bad count prefix", Err: err}
		}
		fields = fields[1:]
		if n != len(fields) {
			return nil, &ProtocolError{Raw: []byte(s), Reason: fmt.Sprintf("count prefix %d but %d values", n, len(fields))}
		}
	}
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, &ProtocolError{Raw: []byte(s), Reason: fmt.Sprintf("non-numeric value %q", f), Err: err}
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// FormatFloatList renders vals the way ParseFloatList reads them, using
// the shortest representation that round-trips at the given bit size.
func FormatFloatList(vals []float64, bitSize int, countPrefix bool) string {
	var sb strings.Builder
	sep := byte(',')
	if countPrefix {
		sep = ' '
		sb.WriteString(strconv.Itoa(len(vals)))
	}
	for i, v := range vals {
		if i > 0 || countPrefix {
			sb.WriteByte(sep)
		}
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, bitSize))
	}
	return sb.String()
}
