package evm

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf(&big.Int{})

// ConvertArgs turns textual arguments into the Go values the ABI packer
// expects for inputs.
func ConvertArgs(inputs abi.Arguments, values []string) ([]interface{}, error) {
	if len(inputs) != len(values) {
		return nil, fmt.Errorf("%w: expected %d arguments, got %d", ErrInvalidArgument, len(inputs), len(values))
	}
	out := make([]interface{}, len(values))
	for i, in := range inputs {
		v, err := convert(in.Type, values[i])
		if err != nil {
			name := in.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("argument %s (%s): %w", name, in.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func convert(typ abi.Type, s string) (interface{}, error) {
	if typ.T != abi.StringTy {
		s = strings.TrimSpace(s)
	}
	switch typ.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return common.HexToAddress(s), nil

	case abi.StringTy:
		return s, nil

	case abi.BoolTy:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", ErrInvalidArgument, s)
		}
		return b, nil

	case abi.IntTy, abi.UintTy:
		return convertInt(typ, s)

	case abi.BytesTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		return b, nil

	case abi.FixedBytesTy, abi.HashTy:
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		goType := typ.GetType()
		if goType.Len() != len(b) {
			return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidArgument, goType.Len(), len(b))
		}
		arr := reflect.New(goType).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		return convertList(typ, s)

	default:
		return nil, fmt.Errorf("%w: type %s is not supported", ErrInvalidArgument, typ.String())
	}
}

func convertInt(typ abi.Type, s string) (interface{}, error) {
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidArgument, s)
	}

	if typ.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > typ.Size {
			return nil, fmt.Errorf("%w: %s overflows uint%d", ErrInvalidArgument, s, typ.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(typ.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%w: %s overflows int%d", ErrInvalidArgument, s, typ.Size)
		}
	}

	goType := typ.GetType()
	if goType == bigIntType {
		return n, nil
	}
	v := reflect.New(goType).Elem()
	if typ.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		v.SetInt(n.Int64())
	}
	return v.Interface(), nil
}

// convertList accepts a JSON array ("[\"a,b\", \"c\"]", "[1, 2]"), a bare
// bracketed list ("[0xab.., 0xcd..]") or "a,b". An empty string is an empty
// list.
func convertList(typ abi.Type, s string) (interface{}, error) {
	items, err := listItems(s)
	if err != nil {
		return nil, err
	}

	goType := typ.GetType()
	var list reflect.Value
	if typ.T == abi.ArrayTy {
		if len(items) != typ.Size {
			return nil, fmt.Errorf("%w: want %d elements, got %d", ErrInvalidArgument, typ.Size, len(items))
		}
		list = reflect.New(goType).Elem()
	} else {
		list = reflect.MakeSlice(goType, len(items), len(items))
	}

	for i, item := range items {
		v, err := convert(*typ.Elem, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		list.Index(i).Set(reflect.ValueOf(v))
	}
	return list.Interface(), nil
}

// listItems splits a list argument. JSON string elements keep their exact
// content; elements of a bare list are trimmed.
func listItems(s string) ([]string, error) {
	if strings.HasPrefix(s, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(s), &raw); err == nil {
			items := make([]string, len(raw))
			for i, r := range raw {
				if len(r) > 0 && r[0] == '"' {
					if err := json.Unmarshal(r, &items[i]); err != nil {
						return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidArgument, i, err)
					}
					continue
				}
				items[i] = string(r)
			}
			return items, nil
		}
		if !strings.HasSuffix(s, "]") {
			return nil, fmt.Errorf("%w: unterminated list %q", ErrInvalidArgument, s)
		}
		s = s[1 : len(s)-1]
	}

	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts, nil
}

// FormatValue renders a decoded ABI value as text. Addresses use their
// checksummed hex form.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case common.Address:
		return val.Hex()
	case common.Hash:
		return val.Hex()
	case *big.Int:
		return val.String()
	case []byte:
		return hexutil.Encode(val)
	case [32]byte:
		return common.Hash(val).Hex()
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
