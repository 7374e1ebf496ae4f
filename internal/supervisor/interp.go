package supervisor

import (
	"os"
	"path/filepath"
	"strings"
)

// shebangProbeBytes is the amount of the script's head examined for a
// shebang line.
const shebangProbeBytes = 256

// extensionInterpreters is the closed extension→interpreter fallback map.
// It is a package-level var, not a const, so an external config layer can
// override entries here without touching the matching logic below — the
// `.ts → npx tsx` default lives here rather than as a special case.
// Tests cover the explicit-interpreter, shebang, extension, and
// direct-exec paths.
var extensionInterpreters = map[string][]string{
	".py":  {"python3"},
	".js":  {"node"},
	".mjs": {"node"},
	".cjs": {"node"},
	".ts":  {"npx", "tsx"},
	".tsx": {"npx", "tsx"},
	".rb":  {"ruby"},
	".sh":  {"/bin/sh"},
}

// buildArgv resolves the argv to exec for a process:
// an explicit interpreter wins outright; otherwise a shebang is sniffed
// from the script's first 256 bytes; otherwise the closed extension map is
// consulted; absent any match, the script is exec'd directly.
func buildArgv(script, interpreter string) []string {
	if interpreter != "" {
		return append(splitInterpreter(interpreter), script)
	}

	if argv, ok := shebangArgv(script); ok {
		return append(argv, script)
	}

	if argv, ok := extensionInterpreters[strings.ToLower(filepath.Ext(script))]; ok {
		out := make([]string, len(argv), len(argv)+1)
		copy(out, argv)
		return append(out, script)
	}

	return []string{script}
}

func splitInterpreter(interpreter string) []string {
	fields := strings.Fields(interpreter)
	if len(fields) == 0 {
		return []string{interpreter}
	}
	return fields
}

// shebangArgv reads the first line of script (bounded to
// shebangProbeBytes) and, if it starts with "#!", parses the interpreter
// directive: "/usr/bin/env NAME [ARGS...]" or a direct path such as
// "/bin/sh" or "/bin/bash".
func shebangArgv(script string) ([]string, bool) {
	f, err := os.Open(script)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	buf := make([]byte, shebangProbeBytes)
	n, _ := f.Read(buf)
	if n < 2 || buf[0] != '#' || buf[1] != '!' {
		return nil, false
	}

	line := string(buf[2:n])
	if idx := strings.IndexAny(line, "\r\n"); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}

	if filepath.Base(fields[0]) == "env" {
		return fields[1:], len(fields) > 1
	}
	return fields, true
}
