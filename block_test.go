// Copyright (c) 2020–2026 The labinst developers. All rights reserved.
// Project site: https://github.com/gotmc/labinst
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package labinst

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func TestDecodeBlock(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"definite", "#15hello\n", "hello", false},
		{"no terminator", "#15hello", "hello", false},
		{"carriage return", "#15hello\r\n", "hello", false},
		{"two digit length", "#210abcdefghij", "abcdefghij", false},
		{"indefinite", "#0abc\n", "abc", false},
		{"empty payload", "#10", "", false},
		{"short", "#19abc", "", true},
		{"missing hash", "15hello", "", true},
		{"bad digit count", "#xhello", "", true},
		{"bad length", "#2x5hello", "", true},
		{"trailing junk", "#13abcX", "", true},
		{"too long", "#9100000000abc", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeBlock([]byte(tc.raw))
			if tc.wantErr {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want *ProtocolError", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.want {
				t.Errorf("payload = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEncodeBlock(t *testing.T) {
	if got := string(EncodeBlock([]byte("abcdefghijkl"))); got != "#212abcdefghijkl" {
		t.Errorf("EncodeBlock = %q", got)
	}
}

func TestDecodeFloats(t *testing.T) {
	be := []byte{0x3f, 0xc0, 0x00, 0x00, 0xc0, 0x00, 0x00, 0x00}
	got, err := DecodeFloats(be, FormatReal32, binary.BigEndian)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 1.5 || got[1] != -2 {
		t.Errorf("big endian REAL,32 = %v", got)
	}

	le := EncodeFloats([]float64{math.Pi, -1e-300}, FormatReal64, nil)
	got, err = DecodeFloats(le, FormatReal64, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != math.Pi || got[1] != -1e-300 {
		t.Errorf("REAL,64 = %v", got)
	}

	if _, err := DecodeFloats([]byte{1, 2, 3}, FormatReal32, nil); Kind(err) != "protocol" {
		t.Errorf("ragged payload err = %v", err)
	}
	if _, err := DecodeFloats(nil, FormatASCII, nil); Kind(err) != "validation" {
		t.Errorf("ascii format err = %v", err)
	}
}

func TestParseFloatList(t *testing.T) {
	tests := []struct {
		in          string
		countPrefix bool
		want        []float64
		wantErr     bool
	}{
		{"1,2,3", false, []float64{1, 2, 3}, false},
		{"-1.5E+01, 2e-3 ,\t4\r\n", false, []float64{-15, 0.002, 4}, false},
		{"3 1.0 2.0 3.0", true, []float64{1, 2, 3}, false},
		{"", false, []float64{}, false},
		{"2 1.0", true, nil, true},
		{"x 1.0", true, nil, true},
		{"1,abc,3", false, nil, true},
		{"", true, nil, true},
	}
	for _, tc := range tests {
		got, err := ParseFloatList(tc.in, tc.countPrefix)
		if tc.wantErr {
			var pe *ProtocolError
			if !errors.As(err, &pe) || string(pe.Raw) != tc.in {
				t.Errorf("ParseFloatList(%q) err = %v, want *ProtocolError with raw reply", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFloatList(%q): %v", tc.in, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("ParseFloatList(%q) = %v, want %v", tc.in, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("ParseFloatList(%q)[%d] = %v, want %v", tc.in, i, got[i], tc.want[i])
			}
		}
	}
}

func TestFormatFloatList(t *testing.T) {
	if got := FormatFloatList([]float64{1, 2.5}, 64, false); got != "1,2.5" {
		t.Errorf("plain = %q", got)
	}
	if got := FormatFloatList([]float64{1, 2.5}, 64, true); got != "2 1 2.5" {
		t.Errorf("count prefix = %q", got)
	}
}

func TestParseDataFormat(t *testing.T) {
	for in, want := range map[string]DataFormat{
		"ascii": FormatASCII, "REAL,32": FormatReal32, "real64": FormatReal64, "bin": FormatReal32,
	} {
		got, err := ParseDataFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseDataFormat(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseDataFormat("int16"); Kind(err) != "validation" {
		t.Errorf("unknown format err = %v", err)
	}
}
