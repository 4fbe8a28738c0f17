package utils

import "time"

func Value[T any](v *T) T {
	if v == nil {
		return *new(T)
	}
	return *v
}

func Ptr[T any](v T) *T {
	return &v
}

// UnixPtr returns the unix seconds of t, or nil for the zero time.
func UnixPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	return Ptr(t.Unix())
}
