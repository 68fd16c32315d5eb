package input

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/McTwist/vmctrl/pkg/logging"
)

// ReadLines feeds trimmed, non-empty lines of r into the returned channel. The
// channel is closed on EOF, on a read error or when ctx is done. A Read that
// is blocked when ctx ends is left to return on its own.
func ReadLines(ctx context.Context, r io.Reader, logger logging.Logger) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(r)
		lineNum := int64(0)

		for scanner.Scan() {
			lineNum++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			select {
			case lines <- line:
			case <-ctx.Done():
				logger.Debugf("Line reader stopped after %d lines", lineNum)
				return
			}
		}

		if err := scanner.Err(); err != nil {
			logger.Warnf("Error reading commands after %d lines: %v", lineNum, err)
			return
		}
		logger.Infof("End of command input after %d lines", lineNum)
	}()

	return lines
}
