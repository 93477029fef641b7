//go:build !linux

package worker

// gettid has no portable equivalent outside linux; the priority service
// receives 0 and should treat it as the calling thread.
func gettid() int {
	return 0
}
