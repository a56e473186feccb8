package models

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxKeyLength ограничивает длину строкового ключа в байтах
const MaxKeyLength = 512

const (
	keyTagNumber byte = 0x01
	keyTagString byte = 0x02
)

// Key identifies a record within its store. A key is either a string or an
// integer; the zero value means "no key yet".
type Key struct {
	str   string
	num   int64
	isNum bool
}

// StringKey creates a string key.
func StringKey(s string) Key {
	return Key{str: s}
}

// IntKey creates a numeric key.
func IntKey(n int64) Key {
	return Key{num: n, isNum: true}
}

// NewProvisionalKey generates a client-side key for a record that was created
// without one. The server may replace it when acknowledging the create.
func NewProvisionalKey() Key {
	return StringKey(uuid.New().String())
}

// ParseKey interprets s as an integer key if possible, otherwise as a string key.
// Used by the CLI where keys arrive as plain text.
func ParseKey(s string) Key {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntKey(n)
	}
	return StringKey(s)
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return !k.isNum && k.str == ""
}

// IsNumber reports whether the key is numeric.
func (k Key) IsNumber() bool {
	return k.isNum
}

// Int returns the numeric value of a numeric key.
func (k Key) Int() (int64, bool) {
	return k.num, k.isNum
}

func (k Key) String() string {
	if k.isNum {
		return strconv.FormatInt(k.num, 10)
	}
	return k.str
}

// Validate checks that the key can be stored and sent over the wire.
func (k Key) Validate() error {
	if k.isNum {
		return nil
	}
	if k.str == "" || len(k.str) > MaxKeyLength || !utf8.ValidString(k.str) {
		return &InvalidKeyError{Value: k.str}
	}
	return nil
}

// Compare orders keys the way the local engine stores them:
// numbers before strings, numbers numerically, strings bytewise.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k.Bytes(), other.Bytes())
}

// Bytes returns an order-preserving binary encoding of the key.
func (k Key) Bytes() []byte {
	if k.isNum {
		buf := make([]byte, 9)
		buf[0] = keyTagNumber
		// Переворачиваем знаковый бит, чтобы отрицательные числа шли раньше положительных
		binary.BigEndian.PutUint64(buf[1:], uint64(k.num)^(1<<63))
		return buf
	}
	buf := make([]byte, 1+len(k.str))
	buf[0] = keyTagString
	copy(buf[1:], k.str)
	return buf
}

// KeyFromBytes decodes a key produced by Bytes.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, fmt.Errorf("empty key encoding")
	}
	switch b[0] {
	case keyTagNumber:
		if len(b) != 9 {
			return Key{}, fmt.Errorf("invalid numeric key encoding length %d", len(b))
		}
		return IntKey(int64(binary.BigEndian.Uint64(b[1:]) ^ (1 << 63))), nil
	case keyTagString:
		return StringKey(string(b[1:])), nil
	default:
		return Key{}, fmt.Errorf("unknown key tag 0x%02x", b[0])
	}
}

// MarshalJSON encodes numeric keys as JSON numbers and string keys as JSON strings.
func (k Key) MarshalJSON() ([]byte, error) {
	if k.isNum {
		return []byte(strconv.FormatInt(k.num, 10)), nil
	}
	if k.str == "" {
		return []byte("null"), nil
	}
	return json.Marshal(k.str)
}

// UnmarshalJSON accepts a JSON string, an integral JSON number or null.
func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*k = Key{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = StringKey(s)
		return nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			// Дробные числа и прочие значения ключом быть не могут
			return &InvalidKeyError{Value: string(data)}
		}
		*k = IntKey(n)
		return nil
	}
}

// InvalidKeyError is returned when a record key cannot be used.
type InvalidKeyError struct {
	Value string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("%q is not a valid key", e.Value)
}
