package changelog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ValueType represents the type of a property value
type ValueType uint8

const (
	TypeString ValueType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeBytes
	TypeTimestamp
	TypeVector // Vector of float32 for embeddings
)

// Value represents a typed property value.
// Values compare by type and raw bytes, which keeps conflict resolution
// byte-for-byte deterministic across replicas.
type Value struct {
	Type ValueType `json:"type"`
	Data []byte    `json:"data"`
}

// Helper functions to create typed values
func StringValue(s string) Value {
	return Value{Type: TypeString, Data: []byte(s)}
}

func IntValue(i int64) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(i))
	return Value{Type: TypeInt, Data: data}
}

func FloatValue(f float64) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, math.Float64bits(f))
	return Value{Type: TypeFloat, Data: data}
}

func BoolValue(b bool) Value {
	data := []byte{0}
	if b {
		data[0] = 1
	}
	return Value{Type: TypeBool, Data: data}
}

func BytesValue(b []byte) Value {
	data := make([]byte, len(b))
	copy(data, b)
	return Value{Type: TypeBytes, Data: data}
}

func TimestampValue(t time.Time) Value {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(t.Unix()))
	return Value{Type: TypeTimestamp, Data: data}
}

func VectorValue(vec []float32) Value {
	// Encode as: [4 bytes dimensions][4 bytes per float32 element]
	data := make([]byte, 4+len(vec)*4)
	binary.LittleEndian.PutUint32(data[0:4], uint32(len(vec)))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(data[4+i*4:8+i*4], math.Float32bits(f))
	}
	return Value{Type: TypeVector, Data: data}
}

// Decode methods
func (v Value) AsString() (string, error) {
	if v.Type != TypeString {
		return "", fmt.Errorf("value is not a string")
	}
	return string(v.Data), nil
}

func (v Value) AsInt() (int64, error) {
	if v.Type != TypeInt || len(v.Data) != 8 {
		return 0, fmt.Errorf("value is not an int")
	}
	return int64(binary.LittleEndian.Uint64(v.Data)), nil
}

func (v Value) AsFloat() (float64, error) {
	if v.Type != TypeFloat || len(v.Data) != 8 {
		return 0, fmt.Errorf("value is not a float")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(v.Data)), nil
}

func (v Value) AsBool() (bool, error) {
	if v.Type != TypeBool || len(v.Data) != 1 {
		return false, fmt.Errorf("value is not a bool")
	}
	return v.Data[0] == 1, nil
}

func (v Value) AsTimestamp() (time.Time, error) {
	if v.Type != TypeTimestamp || len(v.Data) != 8 {
		return time.Time{}, fmt.Errorf("value is not a timestamp")
	}
	return time.Unix(int64(binary.LittleEndian.Uint64(v.Data)), 0), nil
}

func (v Value) AsVector() ([]float32, error) {
	if v.Type != TypeVector {
		return nil, fmt.Errorf("value is not a vector")
	}
	if len(v.Data) < 4 {
		return nil, fmt.Errorf("invalid vector data: too short")
	}

	dims := binary.LittleEndian.Uint32(v.Data[0:4])
	expectedLen := 4 + int(dims)*4
	if len(v.Data) != expectedLen {
		return nil, fmt.Errorf("invalid vector data: expected %d bytes, got %d", expectedLen, len(v.Data))
	}

	vec := make([]float32, dims)
	for i := uint32(0); i < dims; i++ {
		bits := binary.LittleEndian.Uint32(v.Data[4+i*4 : 8+i*4])
		vec[i] = math.Float32frombits(bits)
	}

	return vec, nil
}

// Equal reports whether two values have the same type and bytes
func (v Value) Equal(other Value) bool {
	return v.Type == other.Type && bytes.Equal(v.Data, other.Data)
}

// Clone returns a value with its own copy of the data
func (v Value) Clone() Value {
	if v.Data == nil {
		return Value{Type: v.Type}
	}
	data := make([]byte, len(v.Data))
	copy(data, v.Data)
	return Value{Type: v.Type, Data: data}
}

// Properties is a property bag attached to a node or edge
type Properties map[string]Value

// Clone creates a deep copy of the property bag
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports whether both bags hold the same keys with equal values
func (p Properties) Equal(other Properties) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
