package host

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/McTwist/vmctrl/pkg/units"
)

// listEntry is one parsed row of `pct list` or `qm list`.
type listEntry struct {
	ID     string
	Name   string
	Status string
}

// parsePctList parses `pct list`. Rows have 3 columns, or 4 when a lock is held:
// VMID Status [Lock] Name.
func parsePctList(out []byte) (entries []listEntry, skipped []string) {
	for _, fields := range tableRows(out) {
		switch len(fields) {
		case 4:
			entries = append(entries, listEntry{ID: fields[0], Status: fields[1], Name: fields[3]})
		case 3:
			entries = append(entries, listEntry{ID: fields[0], Status: fields[1], Name: fields[2]})
		default:
			skipped = append(skipped, strings.Join(fields, " "))
		}
	}
	return entries, skipped
}

// parseQmList parses `qm list`: VMID NAME STATUS MEM(MB) BOOTDISK(GB) PID.
func parseQmList(out []byte) (entries []listEntry, skipped []string) {
	for _, fields := range tableRows(out) {
		if len(fields) != 6 {
			skipped = append(skipped, strings.Join(fields, " "))
			continue
		}
		entries = append(entries, listEntry{ID: fields[0], Name: fields[1], Status: fields[2]})
	}
	return entries, skipped
}

// tableRows splits tool output into whitespace separated rows, dropping the header.
func tableRows(out []byte) [][]string {
	var rows [][]string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	header := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if header {
			header = false
			continue
		}
		rows = append(rows, strings.Fields(line))
	}
	return rows
}

// parseConfig parses `key: value` lines of `qm config` / `pct config`.
func parseConfig(out []byte) map[string]string {
	config := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), ": ")
		if !found || key == "" {
			continue
		}
		config[key] = strings.TrimSpace(value)
	}
	return config
}

// onbootFromConfig reads the onboot flag; missing means off.
func onbootFromConfig(config map[string]string) bool {
	return config["onboot"] == "1"
}

// startupOption reads one key of `startup: order=N,up=S,down=S`.
func startupOption(config map[string]string, name string) (int, bool) {
	startup, ok := config["startup"]
	if !ok {
		return 0, false
	}
	for _, item := range strings.Split(startup, ",") {
		key, value, found := strings.Cut(item, "=")
		if !found || strings.TrimSpace(key) != name {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func orderFromConfig(config map[string]string) int {
	if order, ok := startupOption(config, "order"); ok {
		return order
	}
	return units.NoOrder
}

// upDelayFromConfig reads the startup up delay, given in seconds.
func upDelayFromConfig(config map[string]string) time.Duration {
	if up, ok := startupOption(config, "up"); ok && up > 0 {
		return time.Duration(up) * time.Second
	}
	return 0
}

// parseStatus reads `status: running` from `qm status` / `pct status`.
func parseStatus(out []byte) string {
	config := parseConfig(out)
	return config["status"]
}

// isRunningStatus treats only "running" as running; paused guests are not.
func isRunningStatus(status string) bool {
	return status == "running"
}
