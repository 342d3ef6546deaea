//go:build !linux

package util

import (
	"errors"
)

// go-ps already reads the process table directly on these platforms
func getProcessPath(pid int) (string, error) {
	return "", errors.New("not implemented")
}
