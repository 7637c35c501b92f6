//go:build !windows

package main

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func checkAccess(path string, write bool) error {
	mode := uint32(unix.R_OK)
	if write {
		mode |= unix.W_OK
	}
	return errors.Wrap(unix.Access(path, mode), path)
}
