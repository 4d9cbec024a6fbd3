// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

package bencode

import (
	"bufio"
	"io"
	"math/big"
	"reflect"
	"sort"
	"strconv"
)

// Encoder is a bencode stream encoder.
type Encoder struct {
	w interface {
		io.Writer
		io.ByteWriter
	}
	scratch [64]byte
}

// Encode writes the bencode encoding of v to the stream.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return err
	}
	if bw, ok := e.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

func (e *Encoder) writeString(s string) error {
	n := strconv.AppendInt(e.scratch[:0], int64(len(s)), 10)
	if _, err := e.w.Write(n); err != nil {
		return err
	}
	if err := e.w.WriteByte(':'); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) writeBytes(b []byte) error {
	n := strconv.AppendInt(e.scratch[:0], int64(len(b)), 10)
	if _, err := e.w.Write(n); err != nil {
		return err
	}
	if err := e.w.WriteByte(':'); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) writeInt(n int64) error {
	if err := e.w.WriteByte('i'); err != nil {
		return err
	}
	if _, err := e.w.Write(strconv.AppendInt(e.scratch[:0], n, 10)); err != nil {
		return err
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) writeUint(n uint64) error {
	if err := e.w.WriteByte('i'); err != nil {
		return err
	}
	if _, err := e.w.Write(strconv.AppendUint(e.scratch[:0], n, 10)); err != nil {
		return err
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}

	if m, ok := v.Interface().(Marshaler); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return &MarshalerError{v.Type(), err}
		}
		_, err = e.w.Write(b)
		return err
	}
	if v.Kind() != reflect.Ptr && v.CanAddr() {
		if m, ok := v.Addr().Interface().(Marshaler); ok {
			b, err := m.MarshalBencode()
			if err != nil {
				return &MarshalerError{v.Type(), err}
			}
			_, err = e.w.Write(b)
			return err
		}
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return e.writeString("")
		}
		return e.encodeValue(v.Elem())
	case reflect.Interface:
		if v.IsNil() {
			return e.writeString("")
		}
		return e.encodeValue(v.Elem())
	case reflect.String:
		return e.writeString(v.String())
	case reflect.Bool:
		if v.Bool() {
			return e.writeInt(1)
		}
		return e.writeInt(0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.writeUint(v.Uint())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.writeBytes(v.Bytes())
		}
		return e.encodeList(v)
	case reflect.Array:
		return e.encodeList(v)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		if bi, ok := v.Interface().(big.Int); ok {
			if err := e.w.WriteByte('i'); err != nil {
				return err
			}
			if _, err := io.WriteString(e.w, bi.String()); err != nil {
				return err
			}
			return e.w.WriteByte('e')
		}
		return &MarshalTypeError{v.Type()}
	}
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if err := e.w.WriteByte('l'); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{v.Type()}
	}
	if err := e.w.WriteByte('d'); err != nil {
		return err
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		if err := e.writeString(k.String()); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

type structField struct {
	name      string
	value     reflect.Value
	omitempty bool
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	if err := e.w.WriteByte('d'); err != nil {
		return err
	}

	t := v.Type()
	var fields []structField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}
		fields = append(fields, structField{
			name:      name,
			value:     v.Field(i),
			omitempty: opts.contains("omitempty"),
		})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	for _, f := range fields {
		if f.omitempty && isEmptyValue(f.value) {
			continue
		}
		if err := e.writeString(f.name); err != nil {
			return err
		}
		if err := e.encodeValue(f.value); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	case reflect.Array:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Bool:
		return !v.Bool()
	}
	return false
}
