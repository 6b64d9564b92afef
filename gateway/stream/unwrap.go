package stream

// UnwrapFunc remaps a market-data frame before it is enqueued, e.g.
// translating numeric field ids into human-readable keys. Per spec
// §9's "ambiguous source behaviors" note, the exact mapping is treated
// as an external collaborator: this package only needs to know it is a
// pluggable pure function frame -> frame invoked before enqueue, so the
// field-id tables themselves are out of scope here.
type UnwrapFunc func(Frame) Frame

// identityUnwrap is the default UnwrapFunc: it returns its input
// unchanged, used whenever a caller doesn't supply a market-data
// unwrapper.
func identityUnwrap(f Frame) Frame { return f }
