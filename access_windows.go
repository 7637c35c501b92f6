//go:build windows

package main

import (
	"os"

	"github.com/pkg/errors"
)

func checkAccess(path string, write bool) error {
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	fh, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return errors.Wrap(err, path)
	}
	return fh.Close()
}
