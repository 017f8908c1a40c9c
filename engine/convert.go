package engine

import (
	"fmt"

	"modelforge.evalgo.org/common"
)

// buildTensor coerces a JSON-decoded value (nested lists and scalars) into
// a Tensor of the declared dtype. The shape is inferred from nesting; the
// runtime checks it against the graph.
func buildTensor(name string, dtype DType, value interface{}) (*Tensor, error) {
	leaves, shape, err := flattenValue(value, 0)
	if err != nil {
		return nil, common.EngineErrorf(common.EngineInput, "Invalid input for '%s': %v", name, err)
	}

	data, err := coerceLeaves(leaves, dtype)
	if err != nil {
		return nil, common.EngineErrorf(common.EngineInput, "Invalid input for '%s': %v", name, err)
	}

	return &Tensor{DType: dtype, Shape: shape, Data: data}, nil
}

// maxTensorDepth bounds nesting so malformed input cannot recurse forever.
const maxTensorDepth = 16

// flattenValue walks nested lists into row-major leaves plus a shape.
// Ragged nesting is rejected.
func flattenValue(value interface{}, depth int) ([]interface{}, []int64, error) {
	if depth > maxTensorDepth {
		return nil, nil, fmt.Errorf("nesting deeper than %d dimensions", maxTensorDepth)
	}

	list, ok := value.([]interface{})
	if !ok {
		return []interface{}{value}, nil, nil
	}
	if len(list) == 0 {
		return nil, []int64{0}, nil
	}

	first, childShape, err := flattenValue(list[0], depth+1)
	if err != nil {
		return nil, nil, err
	}
	leaves := make([]interface{}, 0, len(list)*len(first))
	leaves = append(leaves, first...)

	for _, elem := range list[1:] {
		flat, shape, err := flattenValue(elem, depth+1)
		if err != nil {
			return nil, nil, err
		}
		if !shapesEqual(shape, childShape) {
			return nil, nil, fmt.Errorf("ragged tensor: sibling dimensions differ")
		}
		leaves = append(leaves, flat...)
	}

	return leaves, append([]int64{int64(len(list))}, childShape...), nil
}

func shapesEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// coerceLeaves converts untyped leaves to the typed slice for dtype.
func coerceLeaves(leaves []interface{}, dtype DType) (interface{}, error) {
	switch dtype {
	case DTypeFloat32, DTypeFloat16, DTypeBFloat16:
		return coerceNumeric(leaves, func(f float64) float32 { return float32(f) })
	case DTypeFloat64:
		return coerceNumeric(leaves, func(f float64) float64 { return f })
	case DTypeInt8:
		return coerceNumeric(leaves, func(f float64) int8 { return int8(f) })
	case DTypeInt16:
		return coerceNumeric(leaves, func(f float64) int16 { return int16(f) })
	case DTypeInt32:
		return coerceNumeric(leaves, func(f float64) int32 { return int32(f) })
	case DTypeInt64:
		return coerceNumeric(leaves, func(f float64) int64 { return int64(f) })
	case DTypeUint8:
		return coerceNumeric(leaves, func(f float64) uint8 { return uint8(f) })
	case DTypeUint16:
		return coerceNumeric(leaves, func(f float64) uint16 { return uint16(f) })
	case DTypeUint32:
		return coerceNumeric(leaves, func(f float64) uint32 { return uint32(f) })
	case DTypeUint64:
		return coerceNumeric(leaves, func(f float64) uint64 { return uint64(f) })
	case DTypeBool:
		out := make([]bool, len(leaves))
		for i, leaf := range leaves {
			b, ok := leaf.(bool)
			if !ok {
				return nil, fmt.Errorf("element %d is not a bool", i)
			}
			out[i] = b
		}
		return out, nil
	case DTypeString:
		out := make([]string, len(leaves))
		for i, leaf := range leaves {
			s, ok := leaf.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is not a string", i)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func coerceNumeric[T any](leaves []interface{}, convert func(float64) T) ([]T, error) {
	out := make([]T, len(leaves))
	for i, leaf := range leaves {
		f, err := asFloat64(leaf)
		if err != nil {
			return nil, fmt.Errorf("element %d: %v", i, err)
		}
		out[i] = convert(f)
	}
	return out, nil
}

// asFloat64 accepts the numeric representations JSON decoding and Go tests
// produce.
func asFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

// tensorToJSON converts a tensor back into JSON-serializable nested lists.
func tensorToJSON(t *Tensor) (interface{}, error) {
	leaves, err := tensorLeaves(t)
	if err != nil {
		return nil, err
	}
	if len(t.Shape) == 0 {
		if len(leaves) != 1 {
			return nil, fmt.Errorf("scalar tensor carries %d elements", len(leaves))
		}
		return leaves[0], nil
	}
	if t.Elements() != len(leaves) {
		return nil, fmt.Errorf("shape %v does not match %d elements", t.Shape, len(leaves))
	}
	return buildNested(leaves, t.Shape), nil
}

func buildNested(leaves []interface{}, shape []int64) interface{} {
	if len(shape) == 0 {
		return leaves[0]
	}
	n := int(shape[0])
	stride := 1
	for _, d := range shape[1:] {
		stride *= int(d)
	}
	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		out[i] = buildNested(leaves[i*stride:(i+1)*stride], shape[1:])
	}
	return out
}

func tensorLeaves(t *Tensor) ([]interface{}, error) {
	switch data := t.Data.(type) {
	case []float32:
		return anySlice(data), nil
	case []float64:
		return anySlice(data), nil
	case []int8:
		return anySlice(data), nil
	case []int16:
		return anySlice(data), nil
	case []int32:
		return anySlice(data), nil
	case []int64:
		return anySlice(data), nil
	case []uint8:
		return anySlice(data), nil
	case []uint16:
		return anySlice(data), nil
	case []uint32:
		return anySlice(data), nil
	case []uint64:
		return anySlice(data), nil
	case []bool:
		return anySlice(data), nil
	case []string:
		return anySlice(data), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", t.Data)
	}
}

func anySlice[T any](data []T) []interface{} {
	out := make([]interface{}, len(data))
	for i, v := range data {
		out[i] = v
	}
	return out
}
