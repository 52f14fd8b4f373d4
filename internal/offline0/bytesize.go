package offline0

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that reads and writes as "512b", "64kb", "5mb"
// or "1.5gb" in config. A bare number is bytes.
type ByteSize int64

const (
	KB ByteSize = 1 << 10
	MB ByteSize = 1 << 20
	GB ByteSize = 1 << 30
)

// longest suffixes first so "mb" is not read as "b"
var sizeUnits = []struct {
	suffix string
	unit   ByteSize
}{
	{"kb", KB}, {"mb", MB}, {"gb", GB},
	{"k", KB}, {"m", MB}, {"g", GB},
	{"b", 1},
}

func ParseByteSize(s string) (ByteSize, error) {
	num := strings.ToLower(strings.TrimSpace(s))
	unit := ByteSize(1)
	for _, u := range sizeUnits {
		if rest, ok := strings.CutSuffix(num, u.suffix); ok {
			num, unit = strings.TrimSpace(rest), u.unit
			break
		}
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return ByteSize(v * float64(unit)), nil
}

func (b ByteSize) Int64() int64 { return int64(b) }

func (b ByteSize) String() string {
	unit, suffix := GB, "gb"
	switch {
	case b < KB:
		return strconv.FormatInt(int64(b), 10) + "b"
	case b < MB:
		unit, suffix = KB, "kb"
	case b < GB:
		unit, suffix = MB, "mb"
	}
	s := strconv.FormatFloat(float64(b)/float64(unit), 'f', 1, 64)
	return strings.TrimSuffix(s, ".0") + suffix
}

// MarshalText is used by the TOML encoder.
func (b ByteSize) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) { return b.String(), nil }

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected scalar size value, got %v", value.Kind)
	}
	return b.UnmarshalText([]byte(value.Value))
}

func (b ByteSize) MarshalJSON() ([]byte, error) { return json.Marshal(b.String()) }

// UnmarshalJSON accepts "5mb" or a number of bytes.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		return b.UnmarshalText([]byte(value))
	case float64:
		if value < 0 {
			return fmt.Errorf("invalid size %v: negative", value)
		}
		*b = ByteSize(value)
		return nil
	default:
		return fmt.Errorf("invalid size value: %v (type %T)", v, v)
	}
}

var byteSizeType = reflect.TypeFor[ByteSize]()

func decodeByteSize(_, to reflect.Type, data any) (any, error) {
	if to != byteSizeType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseByteSize(v)
	case int:
		return ByteSize(v), nil
	case int64:
		return ByteSize(v), nil
	case float64:
		return ByteSize(v), nil
	default:
		return data, nil
	}
}
