// ABOUTME: Generic live query built on the registry
// ABOUTME: Re-runs a fetch whenever a dependent table version moves

package observe

import "context"

// Result is one emission of a watched query.
type Result[T any] struct {
	Value T
	Err   error
}

// Watch runs fetch once, then again each time any of tables changes, and
// sends every result on the returned channel. Wakeups that leave the
// version snapshot unchanged are skipped. The channel is closed after ctx is
// cancelled or the registry is closed; a fetch error is delivered as a
// Result and does not end the watch.
func Watch[T any](ctx context.Context, r *Registry, tables []string, fetch func(ctx context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T])
	notify, subID := r.Subscribe(ctx, tables...)

	go func() {
		defer close(out)
		defer r.Unsubscribe(subID)

		// Snapshot before fetching: a write landing mid-fetch shows up as a
		// version change on the next wakeup.
		seen := r.Versions(tables...)
		if !emit(ctx, out, fetch) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
				current := r.Versions(tables...)
				if current.Equal(seen) {
					continue
				}
				seen = current
				if !emit(ctx, out, fetch) {
					return
				}
			}
		}
	}()

	return out
}

func emit[T any](ctx context.Context, out chan<- Result[T], fetch func(ctx context.Context) (T, error)) bool {
	v, err := fetch(ctx)
	if ctx.Err() != nil {
		return false
	}
	select {
	case out <- Result[T]{Value: v, Err: err}:
		return true
	case <-ctx.Done():
		return false
	}
}
