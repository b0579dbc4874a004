package registry

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ValueType is the registry data type
type ValueType string

const (
	String       ValueType = "REG_SZ"
	ExpandString ValueType = "REG_EXPAND_SZ"
	DWord        ValueType = "REG_DWORD"
	QWord        ValueType = "REG_QWORD"
	MultiString  ValueType = "REG_MULTI_SZ"
	Binary       ValueType = "REG_BINARY"
)

// multiSep separates REG_MULTI_SZ entries inside Value.Data
const multiSep = "\x00"

// Value is a typed registry value. Data always holds a string rendering so
// the value can be embedded in a revert step as primitive data: decimal for
// DWORD/QWORD, hex for BINARY, NUL-joined entries for MULTI_SZ.
type Value struct {
	Type ValueType `json:"type" yaml:"type" validate:"required,oneof=REG_SZ REG_EXPAND_SZ REG_DWORD REG_QWORD REG_MULTI_SZ REG_BINARY"`
	Data string    `json:"data" yaml:"data"`
}

// StringValue builds a REG_SZ value
func StringValue(s string) Value {
	return Value{Type: String, Data: s}
}

// ExpandStringValue builds a REG_EXPAND_SZ value
func ExpandStringValue(s string) Value {
	return Value{Type: ExpandString, Data: s}
}

// DWordValue builds a REG_DWORD value
func DWordValue(v uint32) Value {
	return Value{Type: DWord, Data: strconv.FormatUint(uint64(v), 10)}
}

// QWordValue builds a REG_QWORD value
func QWordValue(v uint64) Value {
	return Value{Type: QWord, Data: strconv.FormatUint(v, 10)}
}

// MultiStringValue builds a REG_MULTI_SZ value
func MultiStringValue(items []string) Value {
	return Value{Type: MultiString, Data: strings.Join(items, multiSep)}
}

// BinaryValue builds a REG_BINARY value
func BinaryValue(b []byte) Value {
	return Value{Type: Binary, Data: hex.EncodeToString(b)}
}

// ParseValue builds a value from its type name and a textual rendering.
// Integers accept decimal or 0x-prefixed hex; MULTI_SZ accepts the NUL
// separator or newlines.
func ParseValue(typ ValueType, text string) (Value, error) {
	switch typ {
	case String, ExpandString:
		return Value{Type: typ, Data: text}, nil
	case DWord:
		n, err := strconv.ParseUint(strings.TrimSpace(text), 0, 32)
		if err != nil {
			return Value{}, fmt.Errorf("invalid REG_DWORD %q: %w", text, err)
		}
		return DWordValue(uint32(n)), nil
	case QWord:
		n, err := strconv.ParseUint(strings.TrimSpace(text), 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid REG_QWORD %q: %w", text, err)
		}
		return QWordValue(n), nil
	case MultiString:
		if strings.Contains(text, multiSep) {
			return Value{Type: MultiString, Data: text}, nil
		}
		return MultiStringValue(strings.Split(text, "\n")), nil
	case Binary:
		b, err := hex.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return Value{}, fmt.Errorf("invalid REG_BINARY %q: %w", text, err)
		}
		return BinaryValue(b), nil
	}
	return Value{}, fmt.Errorf("unknown registry value type %q", typ)
}

// Uint64 returns the numeric value of a DWORD or QWORD
func (v Value) Uint64() (uint64, error) {
	if v.Type != DWord && v.Type != QWord {
		return 0, fmt.Errorf("%s is not an integer type", v.Type)
	}
	return strconv.ParseUint(v.Data, 10, 64)
}

// Strings returns the entries of a MULTI_SZ value
func (v Value) Strings() []string {
	if v.Data == "" {
		return []string{}
	}
	return strings.Split(v.Data, multiSep)
}

// Bytes returns the raw bytes of a BINARY value
func (v Value) Bytes() ([]byte, error) {
	return hex.DecodeString(v.Data)
}

// Validate checks that Data can be decoded for Type
func (v Value) Validate() error {
	switch v.Type {
	case String, ExpandString, MultiString:
		return nil
	case DWord:
		if _, err := strconv.ParseUint(v.Data, 10, 32); err != nil {
			return fmt.Errorf("invalid REG_DWORD data %q", v.Data)
		}
		return nil
	case QWord:
		if _, err := strconv.ParseUint(v.Data, 10, 64); err != nil {
			return fmt.Errorf("invalid REG_QWORD data %q", v.Data)
		}
		return nil
	case Binary:
		if _, err := hex.DecodeString(v.Data); err != nil {
			return fmt.Errorf("invalid REG_BINARY data %q", v.Data)
		}
		return nil
	}
	return fmt.Errorf("unknown registry value type %q", v.Type)
}

// Equal reports whether two values have the same type and data
func (v Value) Equal(other Value) bool {
	return v.Type == other.Type && v.Data == other.Data
}

func (v Value) String() string {
	switch v.Type {
	case MultiString:
		return fmt.Sprintf("%s:%v", v.Type, v.Strings())
	default:
		return fmt.Sprintf("%s:%s", v.Type, v.Data)
	}
}
