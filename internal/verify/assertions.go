package verify

import (
	"regexp"
	"strconv"
	"strings"
)

// Assertion is one acceptance criterion extracted from the frozen spec
// text. Endpoint assertions probe a path; status assertions pin the code
// the most recent probe must return.
type Assertion struct {
	Path       string
	StatusCode int
}

var (
	endpointRe = regexp.MustCompile(`(?i)\bmust\s+create\s+endpoint\s+(\S+)`)
	statusRe   = regexp.MustCompile(`(?i)\bmust\s+return\s+status\s+code\s+(\d{3})`)
)

// ParseAssertions extracts probe-able acceptance criteria from spec text.
// A "must return status code" line binds to the nearest preceding endpoint
// assertion; with no endpoint in scope it applies to the deployment root.
func ParseAssertions(specText string) []Assertion {
	var out []Assertion
	for _, line := range strings.Split(specText, "\n") {
		if m := endpointRe.FindStringSubmatch(line); m != nil {
			path := strings.TrimRight(m[1], ".,;:")
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			out = append(out, Assertion{Path: path, StatusCode: 200})
		}
		if m := statusRe.FindStringSubmatch(line); m != nil {
			code, _ := strconv.Atoi(m[1])
			if len(out) == 0 {
				out = append(out, Assertion{Path: "/", StatusCode: code})
			} else {
				out[len(out)-1].StatusCode = code
			}
		}
	}
	return out
}
