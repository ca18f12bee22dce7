package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/canopy-network/dappscope/pkg/errs"
)

const (
	MaxMetadataKeys   = 64
	MaxMetadataKeyLen = 64
	MaxMetadataStrLen = 1024
)

type MetaKind uint8

const (
	MetaString MetaKind = iota + 1
	MetaInt
	MetaFloat
	MetaBool
)

func (k MetaKind) String() string {
	switch k {
	case MetaString:
		return "string"
	case MetaInt:
		return "int"
	case MetaFloat:
		return "float"
	case MetaBool:
		return "bool"
	}
	return "invalid"
}

// MetaValue is one scalar of the closed set allowed in metadata maps.
// The zero value is invalid and is rejected by Validate.
type MetaValue struct {
	kind MetaKind
	str  string
	num  int64
	flt  float64
	b    bool
}

func StringValue(s string) MetaValue { return MetaValue{kind: MetaString, str: s} }
func IntValue(i int64) MetaValue     { return MetaValue{kind: MetaInt, num: i} }
func FloatValue(f float64) MetaValue { return MetaValue{kind: MetaFloat, flt: f} }
func BoolValue(b bool) MetaValue     { return MetaValue{kind: MetaBool, b: b} }

func (v MetaValue) Kind() MetaKind { return v.kind }
func (v MetaValue) IsValid() bool  { return v.kind >= MetaString && v.kind <= MetaBool }

func (v MetaValue) Str() (string, bool)    { return v.str, v.kind == MetaString }
func (v MetaValue) Int() (int64, bool)     { return v.num, v.kind == MetaInt }
func (v MetaValue) Float() (float64, bool) { return v.flt, v.kind == MetaFloat }
func (v MetaValue) Bool() (bool, bool)     { return v.b, v.kind == MetaBool }

func (v MetaValue) String() string {
	switch v.kind {
	case MetaString:
		return v.str
	case MetaInt:
		return fmt.Sprintf("%d", v.num)
	case MetaFloat:
		return fmt.Sprintf("%g", v.flt)
	case MetaBool:
		return fmt.Sprintf("%t", v.b)
	}
	return ""
}

func (v MetaValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case MetaString:
		return json.Marshal(v.str)
	case MetaInt:
		return json.Marshal(v.num)
	case MetaFloat:
		return json.Marshal(v.flt)
	case MetaBool:
		return json.Marshal(v.b)
	}
	return nil, fmt.Errorf("metadata value has no kind")
}

func (v *MetaValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = StringValue(x)
	case bool:
		*v = BoolValue(x)
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := x.Int64(); err == nil {
				*v = IntValue(i)
				return nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return err
		}
		*v = FloatValue(f)
	default:
		return errs.InvalidPayloadf("analytics.metadata", "metadata values must be string, number or bool, got %s", string(data))
	}
	return nil
}

// Metadata is a small bag of scalar attributes attached to an aggregate.
type Metadata map[string]MetaValue

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) Validate() error {
	if len(m) > MaxMetadataKeys {
		return errs.InvalidPayloadf("analytics.metadata", "%d keys exceeds the limit of %d", len(m), MaxMetadataKeys)
	}
	for k, v := range m {
		if k == "" || len(k) > MaxMetadataKeyLen {
			return errs.InvalidPayloadf("analytics.metadata", "key %q must be 1-%d bytes", k, MaxMetadataKeyLen)
		}
		if !v.IsValid() {
			return errs.InvalidPayloadf("analytics.metadata", "key %q has no value", k)
		}
		if v.kind == MetaString && len(v.str) > MaxMetadataStrLen {
			return errs.InvalidPayloadf("analytics.metadata", "value of %q exceeds %d bytes", k, MaxMetadataStrLen)
		}
		if v.kind == MetaFloat && (math.IsNaN(v.flt) || math.IsInf(v.flt, 0)) {
			return errs.InvalidPayloadf("analytics.metadata", "value of %q is not a finite number", k)
		}
	}
	return nil
}

// Overlay returns base with every key of patch written over it. Keys absent from patch
// keep their base value. Neither argument is modified.
func Overlay(base, patch Metadata) (Metadata, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if len(patch) == 0 {
		return base.Clone(), nil
	}
	out := make(Metadata, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
