package workflow

// Reducer merges an update into the current value of one state key.
// current is nil when the key is unset.
type Reducer func(current, update any) any

// ReducerFor adapts a typed reducer. When either side is not a T the update
// wins, which keeps keys usable after a JSON round-trip changed their type.
func ReducerFor[T any](fn func(current, update T) T) Reducer {
	return func(current, update any) any {
		u, ok := update.(T)
		if !ok {
			return update
		}
		if current == nil {
			var zero T
			return fn(zero, u)
		}
		c, ok := current.(T)
		if !ok {
			return update
		}
		return fn(c, u)
	}
}

// LastValueReducer returns the most recent value (default).
func LastValueReducer() Reducer {
	return func(_, update any) any {
		return update
	}
}

// AppendReducer concatenates []any values; a non-slice update is appended
// as a single element.
func AppendReducer() Reducer {
	return func(current, update any) any {
		cur, _ := current.([]any)
		result := make([]any, 0, len(cur)+1)
		result = append(result, cur...)
		if items, ok := update.([]any); ok {
			return append(result, items...)
		}
		return append(result, update)
	}
}

// MergeMapReducer merges map[string]any values, update keys taking precedence.
func MergeMapReducer() Reducer {
	return func(current, update any) any {
		cur, _ := current.(map[string]any)
		upd, ok := update.(map[string]any)
		if !ok {
			return update
		}
		result := make(map[string]any, len(cur)+len(upd))
		for k, v := range cur {
			result[k] = v
		}
		for k, v := range upd {
			result[k] = v
		}
		return result
	}
}

// SumReducer sums numeric values.
func SumReducer[T ~int | ~int64 | ~float64]() Reducer {
	return ReducerFor(func(current, update T) T {
		return current + update
	})
}

// MaxReducer keeps the maximum value.
func MaxReducer[T ~int | ~int64 | ~float64]() Reducer {
	return ReducerFor(func(current, update T) T {
		if update > current {
			return update
		}
		return current
	})
}
