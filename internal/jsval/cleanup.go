package jsval

// Cleanup collects release functions allocated while servicing one invocation.
// Release drains them in LIFO order; the owner arms it with defer so disposal
// happens on every exit path, including panics unwinding out of script code.
type Cleanup struct {
	fns []func()
}

// Add registers a release function.
func (c *Cleanup) Add(fn func()) {
	if fn == nil {
		return
	}
	c.fns = append(c.fns, fn)
}

// Release runs all registered functions in reverse registration order and
// clears the list. Safe to call more than once.
func (c *Cleanup) Release() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

// Len returns the number of pending release functions.
func (c *Cleanup) Len() int {
	return len(c.fns)
}
