package xdlock

import "context"

type handleKey struct{}

// withHandle 把 h 放入 ctx，供 Work 内部取用。
func withHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFromContext 取出 run 系列方法放入的 [Handle]。
//
//	err := mgr.LockRun(ctx, "sync", func(ctx context.Context) error {
//	    h, _ := xdlock.HandleFromContext(ctx)
//	    select {
//	    case <-h.Lost():
//	        return h.Err()
//	    case <-done:
//	        return nil
//	    }
//	})
func HandleFromContext(ctx context.Context) (*Handle, bool) {
	if ctx == nil {
		return nil, false
	}
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok && h != nil
}
