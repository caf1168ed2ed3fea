package gwutils

import "github.com/xiaonanln/cellworld/engine/gwlog"

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("%p panic: %v", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// NextLargerKey returns the smallest key that sorts after every key prefixed by key
func NextLargerKey(key string) string {
	return key + "\xff"
}

// RepeatUntilPanicless runs the function repeatly until there is no panic
func RepeatUntilPanicless(f func()) {
	for RunPanicless(f) {
	}
}
