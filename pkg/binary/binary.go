// Copyright 2026 The Springboard Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package binary translates between fixed-layout records and their
// little-endian on-disk and in-memory representation.
//
// Boot records, partition tables and ABI structures are all described as Go
// structs of fixed-size integers. Unexported fields (conventionally named _)
// are written as zero padding and skipped on decode.
package binary

import (
	"encoding/binary"
	"fmt"
	"reflect"
)

// LittleEndian is the same as encoding/binary.LittleEndian.
//
// It is included here as a convenience.
var LittleEndian = binary.LittleEndian

// scalarSize returns the encoded width of a fixed-size scalar kind, or 0 for
// composite and unsupported kinds.
func scalarSize(k reflect.Kind) int {
	switch k {
	case reflect.Bool, reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Int32, reflect.Uint32:
		return 4
	case reflect.Int64, reflect.Uint64:
		return 8
	}
	return 0
}

// appendScalar appends the low n bytes of x.
func appendScalar(buf []byte, order binary.ByteOrder, n int, x uint64) []byte {
	buf = append(buf, make([]byte, n)...)
	b := buf[len(buf)-n:]
	switch n {
	case 1:
		b[0] = byte(x)
	case 2:
		order.PutUint16(b, uint16(x))
	case 4:
		order.PutUint32(b, uint32(x))
	default:
		order.PutUint64(b, x)
	}
	return buf
}

// readScalar decodes an n byte unsigned value from the front of buf.
func readScalar(buf []byte, order binary.ByteOrder, n int) uint64 {
	switch n {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(order.Uint16(buf))
	case 4:
		return uint64(order.Uint32(buf))
	default:
		return order.Uint64(buf)
	}
}

// Marshal appends a binary representation of data to buf.
//
// data must only contain bools, fixed-length signed and unsigned ints,
// arrays, slices, structs and compositions of said types. data may be a
// pointer, but cannot contain pointers.
func Marshal(buf []byte, order binary.ByteOrder, data any) []byte {
	return marshal(buf, order, reflect.Indirect(reflect.ValueOf(data)))
}

func marshal(buf []byte, order binary.ByteOrder, v reflect.Value) []byte {
	k := v.Kind()
	if n := scalarSize(k); n != 0 {
		var x uint64
		switch {
		case k == reflect.Bool:
			if v.Bool() {
				x = 1
			}
		case v.CanInt():
			x = uint64(v.Int())
		default:
			x = v.Uint()
		}
		return appendScalar(buf, order, n, x)
	}
	switch k {
	case reflect.Array, reflect.Slice:
		for i := range v.Len() {
			buf = marshal(buf, order, v.Index(i))
		}
	case reflect.Struct:
		for i := range v.NumField() {
			buf = marshal(buf, order, v.Field(i))
		}
	default:
		panic("invalid type: " + v.Type().String())
	}
	return buf
}

// PutAt marshals data into buf at offset off. buf must be large enough.
func PutAt(buf []byte, off int, order binary.ByteOrder, data any) {
	b := Marshal(nil, order, data)
	if off+len(b) > len(buf) {
		panic(fmt.Sprintf("PutAt: %d bytes at offset %d overflow buffer of %d", len(b), off, len(buf)))
	}
	copy(buf[off:], b)
}

// Unmarshal unpacks buf into data.
//
// data must be a slice or a pointer and buf must have a length of exactly
// Size(data). Unexported fields are skipped.
func Unmarshal(buf []byte, order binary.ByteOrder, data any) {
	value := reflect.ValueOf(data)
	switch value.Kind() {
	case reflect.Pointer:
		value = value.Elem()
	case reflect.Slice:
	default:
		panic("invalid type: " + value.Type().String())
	}
	if rest := unmarshal(buf, order, value); len(rest) != 0 {
		panic(fmt.Sprintf("buffer too long by %d bytes", len(rest)))
	}
}

// Decode is like Unmarshal, but reads only the first Size(data) bytes of buf
// and returns an error if buf is too short. It is used on untrusted input.
func Decode(buf []byte, order binary.ByteOrder, data any) error {
	n := int(Size(data))
	if len(buf) < n {
		return fmt.Errorf("short buffer: have %d bytes, need %d", len(buf), n)
	}
	Unmarshal(buf[:n], order, data)
	return nil
}

func unmarshal(buf []byte, order binary.ByteOrder, v reflect.Value) []byte {
	k := v.Kind()
	if n := scalarSize(k); n != 0 {
		x := readScalar(buf, order, n)
		switch {
		case k == reflect.Bool:
			v.SetBool(x != 0)
		case v.CanInt():
			// Sign extend from n bytes.
			shift := 64 - 8*n
			v.SetInt(int64(x<<shift) >> shift)
		default:
			v.SetUint(x)
		}
		return buf[n:]
	}
	switch k {
	case reflect.Array, reflect.Slice:
		for i := range v.Len() {
			buf = unmarshal(buf, order, v.Index(i))
		}
	case reflect.Struct:
		for i := range v.NumField() {
			if f := v.Field(i); f.CanSet() {
				buf = unmarshal(buf, order, f)
			} else {
				buf = buf[sizeof(f):]
			}
		}
	default:
		panic("invalid type: " + v.Type().String())
	}
	return buf
}

// Size returns the number of bytes Marshal produces for v.
func Size(v any) uintptr {
	return sizeof(reflect.Indirect(reflect.ValueOf(v)))
}

func sizeof(v reflect.Value) uintptr {
	if n := scalarSize(v.Kind()); n != 0 {
		return uintptr(n)
	}
	var size uintptr
	switch v.Kind() {
	case reflect.Array, reflect.Slice:
		for i := range v.Len() {
			size += sizeof(v.Index(i))
		}
	case reflect.Struct:
		for i := range v.NumField() {
			size += sizeof(v.Field(i))
		}
	default:
		panic("invalid type: " + v.Type().String())
	}
	return size
}
