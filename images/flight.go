package images

import (
	"context"
	"errors"

	imagecache "github.com/wolfeidau/image-cache"
	"golang.org/x/sync/singleflight"
)

// conversion is the outcome of one cache-miss fill: the bytes to serve and
// the source format they were decoded from.
type conversion struct {
	data   []byte
	source imagecache.Format
}

// convertFunc reads the object from the store and produces the converted
// bytes for one variant. The context it receives is detached from any single
// request so that one caller timing out does not cancel the conversion for
// other waiters.
type convertFunc func(ctx context.Context) (*conversion, error)

// flightGroup deduplicates concurrent conversions of the same variant using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight conversion for others.
type flightGroup struct {
	group singleflight.Group
}

// do runs fn for the variant, sharing the result with every concurrent caller.
// Returns the conversion, whether it was shared with another caller, and any
// error.
//
// If the caller's context expires before the conversion completes, do returns
// the context error but the in-flight conversion continues for other waiters.
func (g *flightGroup) do(ctx context.Context, variant string, fn convertFunc) (*conversion, bool, error) {
	ch := g.group.DoChan(variant, func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the conversion for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*conversion), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// forgetOnError removes the variant from the group after a real conversion
// failure so a later fetch retries. Caller timeouts are not failures of the
// conversion itself and leave the in-flight call alone.
func (g *flightGroup) forgetOnError(variant string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.group.Forget(variant)
}
