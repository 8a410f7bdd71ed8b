// ============================================================================
// hive-exec RPC wire codec
// ============================================================================
//
// Package: internal/rpc
// File: wire.go
// Purpose: Protobuf wire-format encoding for the coordinator service
//
// Messages are plain Go structs that encode themselves with protowire; there
// are no generated stubs. Field numbers are part of the protocol and must
// never be reused:
//
//   WorkerInfo   1 id  2 name  3 cores  4 memory_mb  5 max_jobs
//   ModuleRef    1 name  2 version
//   Job          1 id  2 payload  3 entry  4 modules  5 status  6 progress
//                7 worker_id  8 attempt  9 result  10 snapshot  11 error
//                12 error_kind  13 created_at  14 updated_at
//   JobReport    1 worker_id  2 job_id  3 payload  4 final  5 status
//                6 progress  7 error_kind  8 error
//   Heartbeat    1 worker_id  2 active_jobs  3 progress (entries: 1 key 2 value)
//                4 free_slots  5 timestamp
//   Action       1 kind  2 job_id
//   Resource     1 id  2 name  3 cores  4 memory_mb  5 max_jobs  6 job_count
//                7 last_heartbeat  8 login_at  9 online
//
// Unknown fields are skipped, zero values are not written.
//
// ============================================================================

package rpc

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the gRPC content subtype of the codec
const CodecName = "hivewire"

// message is implemented by every request and response type
type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// Codec implements encoding.Codec for the service messages
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

// ============================================================================
// Encoding
// ============================================================================

type encoder struct {
	b []byte
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) bytes(num protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, b)
}

func (e *encoder) int(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, uint64(v))
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(v))
}

func (e *encoder) double(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
}

// message writes an embedded message; it is written even when empty so
// that presence survives the round trip
func (e *encoder) message(num protowire.Number, b []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, b)
}

// ============================================================================
// Decoding
// ============================================================================

type field struct {
	typ protowire.Type
	u   uint64
	raw []byte
}

func (f field) str() string { return string(f.raw) }

func (f field) bytes() []byte {
	if f.raw == nil {
		return nil
	}
	return append([]byte(nil), f.raw...)
}

func (f field) int() int64 { return int64(f.u) }
func (f field) bool() bool { return f.u != 0 }
func (f field) double() float64 { return math.Float64frombits(f.u) }

// walk calls fn for every field of b in wire order
func walk(b []byte, fn func(num protowire.Number, f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, f); err != nil {
			return err
		}
	}
	return nil
}
