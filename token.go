package tiercache

import (
	"context"
	"sync/atomic"
)

// owner identifies one logical caller. It travels in the context so a
// listener invoked while a key is held can call back in for the same key.
type owner struct {
	id uint64
}

type ownerKey struct{}

var ownerSeq atomic.Uint64

// withOwner returns ctx carrying an owner token, reusing an existing one.
func withOwner(ctx context.Context) (context.Context, *owner) {
	if o, ok := ctx.Value(ownerKey{}).(*owner); ok {
		return ctx, o
	}
	o := &owner{id: ownerSeq.Add(1)}
	return context.WithValue(ctx, ownerKey{}, o), o
}
