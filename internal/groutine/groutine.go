// Package groutine starts named goroutines. The name is attached as a pprof
// label and carried in the context so logs and profiles can tell workers
// apart.
package groutine

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"strconv"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn in a named goroutine and returns a channel closed when fn
// returns. A panic in fn is recovered and passed to onPanic when it is set;
// otherwise it is re-raised.
//
//	done := groutine.Go(ctx, "receiver-GN-ATTYS1", func(ctx context.Context) {
//	    // work
//	}, nil)
//	<-done
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context), onPanic func(err error)) <-chan struct{} {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	done := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(done)
		if onPanic != nil {
			defer func() {
				if r := recover(); r != nil {
					onPanic(fmt.Errorf("%s: panic: %v", name, r))
				}
			}()
		}
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
	return done
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(goroutineNameKey).(string); ok {
		return s
	}
	return ""
}

// GetGID returns the numeric goroutine ID (hacky, for debugging).
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
