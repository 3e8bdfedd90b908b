package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/sbinet/npyio"
)

// objectDescr is the dtype np.save writes for a pickled object such as a dict
const objectDescr = "|O"

// loadPickled reads an .npy file holding a 0-d object array and returns the
// object inside it. The payload after the npy header is a pickle stream.
func loadPickled(path string) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if r.Header.Descr.Type != objectDescr {
		return nil, fmt.Errorf("dtype %q does not hold a pickled object", r.Header.Descr.Type)
	}

	u := pickle.NewUnpickler(bufio.NewReader(f))
	u.FindClass = findNumpyClass
	obj, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle: %w", err)
	}

	arr, ok := obj.(*ndarray)
	if !ok {
		return nil, fmt.Errorf("pickle holds %T, expected an object array", obj)
	}
	if len(arr.items) != 1 {
		return nil, fmt.Errorf("object array holds %d items, expected 1", len(arr.items))
	}
	return arr.items[0], nil
}

// loadPickledDict is loadPickled for files that must hold a dict
func loadPickledDict(path string) (*types.Dict, error) {
	obj, err := loadPickled(path)
	if err != nil {
		return nil, err
	}
	dict, ok := obj.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("pickled object is %T, expected a dict", obj)
	}
	return dict, nil
}

// findNumpyClass resolves the few numpy globals an array pickle refers to.
// Anything else is refused.
func findNumpyClass(module, name string) (any, error) {
	switch module {
	case "numpy.core.multiarray", "numpy._core.multiarray":
		switch name {
		case "_reconstruct":
			return reconstructFunc{}, nil
		case "scalar":
			return scalarFunc{}, nil
		}
	case "numpy":
		switch name {
		case "ndarray":
			return ndarrayClass{}, nil
		case "dtype":
			return dtypeClass{}, nil
		}
	}
	return nil, fmt.Errorf("unsupported pickled class %s.%s", module, name)
}

// ndarrayClass stands for numpy.ndarray in _reconstruct calls
type ndarrayClass struct{}

// reconstructFunc is numpy.core.multiarray._reconstruct
type reconstructFunc struct{}

func (reconstructFunc) Call(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("_reconstruct called without arguments")
	}
	if _, ok := args[0].(ndarrayClass); !ok {
		return nil, fmt.Errorf("_reconstruct of %T, expected numpy.ndarray", args[0])
	}
	return &ndarray{}, nil
}

// ndarray is a numpy array rebuilt from its pickled state
type ndarray struct {
	shape   []int
	dtype   *dtype
	fortran bool

	// raw holds the element bytes of numeric arrays
	raw []byte

	// items holds the elements of object arrays
	items []any
}

// PySetState takes (version, shape, dtype, fortran, data)
func (a *ndarray) PySetState(state any) error {
	t, ok := state.(*types.Tuple)
	if !ok || t.Len() != 5 {
		return fmt.Errorf("unexpected ndarray state %T", state)
	}

	shape, err := toInts(t.Get(1))
	if err != nil {
		return fmt.Errorf("ndarray shape: %w", err)
	}
	a.shape = shape

	if a.dtype, ok = t.Get(2).(*dtype); !ok {
		return fmt.Errorf("ndarray dtype is %T", t.Get(2))
	}
	a.fortran, _ = t.Get(3).(bool)

	switch data := t.Get(4).(type) {
	case []byte:
		a.raw = data
	case *types.List:
		a.items = make([]any, data.Len())
		for i := range a.items {
			a.items[i] = data.Get(i)
		}
	default:
		return fmt.Errorf("unsupported ndarray data %T", data)
	}
	return nil
}

func (a *ndarray) len() int {
	n := 1
	for _, v := range a.shape {
		n *= v
	}
	return n
}

// floats converts the array to float64 in storage order
func (a *ndarray) floats() ([]float64, error) {
	if a.items != nil {
		out := make([]float64, len(a.items))
		for i, item := range a.items {
			v, err := toFloat(item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	if a.fortran && len(a.shape) > 1 {
		return nil, errors.New("array is stored in Fortran order, expected C order")
	}
	size := a.dtype.size
	n := a.len()
	if len(a.raw) != n*size {
		return nil, fmt.Errorf("array holds %d bytes, %d elements of %s need %d", len(a.raw), n, a.dtype.name, n*size)
	}

	out := make([]float64, n)
	for i := range out {
		v, err := a.dtype.decode(a.raw[i*size : (i+1)*size])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// dtypeClass is numpy.dtype
type dtypeClass struct{}

func (dtypeClass) Call(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("dtype called without arguments")
	}
	name, ok := args[0].(string)
	if !ok || len(name) < 2 {
		return nil, fmt.Errorf("invalid dtype name %v", args[0])
	}
	size, err := strconv.Atoi(name[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid dtype name %q", name)
	}
	return &dtype{name: name, kind: name[0], size: size, order: binary.LittleEndian}, nil
}

// dtype is a numpy element type such as f8 or i4
type dtype struct {
	name  string
	kind  byte
	size  int
	order binary.ByteOrder
}

// PySetState reads the byte order, the second element of the state tuple
func (d *dtype) PySetState(state any) error {
	t, ok := state.(*types.Tuple)
	if !ok || t.Len() < 2 {
		return fmt.Errorf("unexpected dtype state %T", state)
	}
	if order, _ := t.Get(1).(string); order == ">" {
		d.order = binary.BigEndian
	}
	return nil
}

// decode converts one element to float64
func (d *dtype) decode(b []byte) (float64, error) {
	switch {
	case d.kind == 'f' && d.size == 8:
		return math.Float64frombits(d.order.Uint64(b)), nil
	case d.kind == 'f' && d.size == 4:
		return float64(math.Float32frombits(d.order.Uint32(b))), nil
	case d.kind == 'i' && d.size == 8:
		return float64(int64(d.order.Uint64(b))), nil
	case d.kind == 'i' && d.size == 4:
		return float64(int32(d.order.Uint32(b))), nil
	case d.kind == 'i' && d.size == 2:
		return float64(int16(d.order.Uint16(b))), nil
	case d.kind == 'i' && d.size == 1:
		return float64(int8(b[0])), nil
	case d.kind == 'u' && d.size == 8:
		return float64(d.order.Uint64(b)), nil
	case d.kind == 'u' && d.size == 4:
		return float64(d.order.Uint32(b)), nil
	case d.kind == 'u' && d.size == 2:
		return float64(d.order.Uint16(b)), nil
	case d.kind == 'u' && d.size == 1:
		return float64(b[0]), nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", d.name)
	}
}

// scalarFunc is numpy.core.multiarray.scalar, used for numpy scalars such as
// np.float64 values stored in a dict
type scalarFunc struct{}

func (scalarFunc) Call(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("scalar called with %d arguments, expected 2", len(args))
	}
	dt, ok := args[0].(*dtype)
	if !ok {
		return nil, fmt.Errorf("scalar dtype is %T", args[0])
	}
	raw, ok := args[1].([]byte)
	if !ok || len(raw) != dt.size {
		return nil, fmt.Errorf("scalar %s has invalid payload", dt.name)
	}
	return dt.decode(raw)
}

// toFloat converts a pickled number, numpy scalar or one-element array
func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case *ndarray:
		values, err := x.floats()
		if err != nil {
			return 0, err
		}
		if len(values) != 1 {
			return 0, fmt.Errorf("array holds %d values, expected 1", len(values))
		}
		return values[0], nil
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}

// toFloats converts a pickled array, list or tuple of numbers
func toFloats(v any) ([]float64, error) {
	var items []any
	switch x := v.(type) {
	case *ndarray:
		return x.floats()
	case *types.List:
		for i := 0; i < x.Len(); i++ {
			items = append(items, x.Get(i))
		}
	case *types.Tuple:
		for i := 0; i < x.Len(); i++ {
			items = append(items, x.Get(i))
		}
	default:
		return nil, fmt.Errorf("%T is not a sequence of numbers", v)
	}

	out := make([]float64, len(items))
	for i, item := range items {
		f, err := toFloat(item)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// toInts converts a pickled shape: a tuple, list or array of integers
func toInts(v any) ([]int, error) {
	values, err := toFloats(v)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(values))
	for i, f := range values {
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%g is not an integer", f)
		}
		out[i] = int(f)
	}
	return out, nil
}
