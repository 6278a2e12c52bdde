package k1ws

import "encoding/json"

// Opt is a value the printer may or may not have reported.
// The zero value is "unknown".
type Opt[T any] struct {
	V  T
	OK bool
}

// Some returns a known value.
func Some[T any](v T) Opt[T] {
	return Opt[T]{V: v, OK: true}
}

// Get returns the value and whether it is known.
func (o Opt[T]) Get() (T, bool) {
	return o.V, o.OK
}

// Or returns the value if known, otherwise def.
func (o Opt[T]) Or(def T) T {
	if o.OK {
		return o.V
	}
	return def
}

// Merge overwrites o with other only if other is known.
func (o *Opt[T]) Merge(other Opt[T]) {
	if other.OK {
		*o = other
	}
}

// MarshalJSON renders unknown values as null.
func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.OK {
		return []byte("null"), nil
	}
	return json.Marshal(o.V)
}

// UnmarshalJSON treats null as unknown.
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Opt[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}
