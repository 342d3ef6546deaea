package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// the kernel marks executables that were replaced or removed since the process started
const deletedSuffix = " (deleted)"

// getProcessPath follows /proc/PID/exe, which only works for processes we're allowed to inspect
func getProcessPath(pid int) (string, error) {
	link := "/proc/" + strconv.Itoa(pid) + "/exe"

	path, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("read symlink %s: %w", link, err)
	}

	return strings.TrimSuffix(path, deletedSuffix), nil
}
