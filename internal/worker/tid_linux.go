//go:build linux

package worker

import "golang.org/x/sys/unix"

func gettid() int {
	return unix.Gettid()
}
