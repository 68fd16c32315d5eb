//go:build windows

package input

import (
	"os"

	"github.com/McTwist/vmctrl/pkg/errors"
)

// OpenFifo is not supported on Windows, use stdin.
func OpenFifo(path string) (*os.File, error) {
	return nil, errors.NewValidationError("fifo input is not supported on windows", nil).WithContext("path", path)
}
