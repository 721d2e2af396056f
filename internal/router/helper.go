package router

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// HelperName is the file name of the generated dispatch helper.
const HelperName = "ndndctl"

// WriteHelper writes an executable shell helper into stateDir that forwards
// `ndndctl <node> <command> <args...>` to `<selfBinary> exec --state-dir
// <stateDir>`, so nodes can be driven from another terminal while the
// emulator runs. It returns the helper's path.
func WriteHelper(stateDir, selfBinary string) (string, error) {
	if selfBinary == "" {
		return "", fmt.Errorf("write %s: empty binary path", HelperName)
	}
	abs, err := filepath.Abs(selfBinary)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", HelperName, err)
	}
	script := fmt.Sprintf("#!/bin/sh\nexec %s exec --state-dir %s \"$@\"\n",
		strconv.Quote(abs), strconv.Quote(stateDir))

	path := filepath.Join(stateDir, HelperName)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("write %s: %w", HelperName, err)
	}
	return path, nil
}
