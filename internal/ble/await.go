package ble

import "context"

// awaitContext runs a blocking backend call and returns early when ctx is
// done. A result that arrives after ctx ended is handed to abandon, so a
// late connection is not leaked.
func awaitContext[T any](ctx context.Context, call func() (T, error), abandon func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err == nil && abandon != nil {
				abandon(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
