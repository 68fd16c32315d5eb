//go:build !windows

package input

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/McTwist/vmctrl/pkg/errors"
)

// FifoMode is the permission a newly created fifo gets, before umask.
const FifoMode = 0620

// OpenFifo creates the named pipe at path if needed and opens it read-write,
// so the reader keeps the pipe open and never sees EOF between writers.
func OpenFifo(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		if err := unix.Mkfifo(path, FifoMode); err != nil {
			return nil, errors.NewIOError("failed to create fifo", err).WithContext("path", path)
		}
	case err != nil:
		return nil, errors.NewIOError("failed to stat fifo", err).WithContext("path", path)
	case info.Mode()&os.ModeNamedPipe == 0:
		return nil, errors.NewValidationError("path exists and is not a fifo", nil).
			WithContext("path", path).WithContext("mode", info.Mode().String())
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.NewIOError("failed to open fifo", err).WithContext("path", path)
	}
	return file, nil
}
