// Package gid extracts the numeric ID of the calling goroutine.
//
// The event dispatch loop records its own ID so that blocking waits can
// detect, rather than deadlock on, a wait issued from the dispatch context.
package gid

import (
	"bytes"
	"runtime"
	"strconv"
)

// Get returns the numeric goroutine ID of the caller.
func Get() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return id
}
