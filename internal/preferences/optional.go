package preferences

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// OptionalBool is a tri-state flag: unset (inherit), true or false.
// It persists as a nullable boolean column and encodes as JSON null when unset.
type OptionalBool struct {
	value bool
	set   bool
}

// Unset returns an OptionalBool that inherits from the enclosing scope.
func Unset() OptionalBool {
	return OptionalBool{}
}

// Some returns an OptionalBool explicitly set to value.
func Some(value bool) OptionalBool {
	return OptionalBool{value: value, set: true}
}

// Get returns the value and whether it was explicitly set.
func (o OptionalBool) Get() (bool, bool) {
	return o.value, o.set
}

// IsSet reports whether the value was explicitly set.
func (o OptionalBool) IsSet() bool {
	return o.set
}

// String renders "unset", "true" or "false".
func (o OptionalBool) String() string {
	if !o.set {
		return "unset"
	}
	return strconv.FormatBool(o.value)
}

// GormDataType binds the column to the dialect's boolean type.
func (OptionalBool) GormDataType() string {
	return "bool"
}

// Value implements driver.Valuer.
func (o OptionalBool) Value() (driver.Value, error) {
	if !o.set {
		return nil, nil
	}
	return o.value, nil
}

// Scan implements sql.Scanner.
func (o *OptionalBool) Scan(src any) error {
	switch typed := src.(type) {
	case nil:
		*o = Unset()
	case bool:
		*o = Some(typed)
	case int64:
		*o = Some(typed != 0)
	case []byte:
		return o.scanText(string(typed))
	case string:
		return o.scanText(typed)
	default:
		return fmt.Errorf("preferences: cannot scan %T into OptionalBool", src)
	}
	return nil
}

func (o *OptionalBool) scanText(raw string) error {
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("preferences: cannot scan %q into OptionalBool: %w", raw, err)
	}
	*o = Some(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OptionalBool) MarshalJSON() ([]byte, error) {
	if !o.set {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptionalBool) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Unset()
		return nil
	}
	var value bool
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*o = Some(value)
	return nil
}
