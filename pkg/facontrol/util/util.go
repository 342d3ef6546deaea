package util

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	ps "github.com/mitchellh/go-ps"
)

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return err == nil && !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// ProcessName returns the executable name of the given process, e.g. "firefox" or "chrome.exe".
// When the process table has no entry for it, the executable path is tried before giving up
func ProcessName(pid int) (string, error) {
	process, err := ps.FindProcess(pid)
	if err == nil && process != nil && process.Executable() != "" {
		return process.Executable(), nil
	}

	path, pathErr := GetProcessPath(pid)
	if pathErr == nil {
		return filepath.Base(path), nil
	}

	if err != nil {
		return "", fmt.Errorf("find process %d: %w", pid, err)
	}

	return "", fmt.Errorf("find process %d: %w", pid, pathErr)
}

// GetProcessPath returns the full path to the executable for the given process ID
func GetProcessPath(pid int) (string, error) {
	return getProcessPath(pid)
}
