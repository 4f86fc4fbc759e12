// Package diagnose matches known failure signatures in backend logs
// and prints best-effort human hints. Diagnostics never change an exit
// code.
package diagnose

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/remotebuild/rewrap/cli/log"
)

var missingInputRe = regexp.MustCompile(`stat ([^:]+): no such file or directory`)

// Line examines a single log line and returns a human-readable hint, or
// "" when the line matches no known signature.
func Line(line string) string {
	if strings.Contains(line, "Fail to dial") {
		return "The reproxy process is not running. Start it (or let the build wrapper start it) before building."
	}
	if strings.Contains(line, "Error connecting to remote execution client: rpc error: code = PermissionDenied") {
		return "You might not have permission to access the remote execution instance. Check your credentials and instance membership."
	}
	if m := missingInputRe.FindStringSubmatch(line); m != nil {
		return "A declared input is missing locally: " + m[1] + ". The file may need to be built first, or the inputs list is stale."
	}
	return ""
}

// File scans a log file and prints one hint per matched signature.
// Unreadable files are silently skipped; hints are best-effort.
func File(path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Debugf("diagnostics: skip %s: %s", path, err)
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if hint := Line(scanner.Text()); hint != "" {
			log.Printf("%s", hint)
		}
	}
}

// Lines scans the given lines (e.g. captured stderr) and prints hints.
func Lines(lines []string) {
	for _, l := range lines {
		if hint := Line(l); hint != "" {
			log.Printf("%s", hint)
		}
	}
}

// LinesMatch reports whether any line contains the given substring.
// Used for transient-failure detection on launcher stderr.
func LinesMatch(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
