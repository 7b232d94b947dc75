package ptysession

import "regexp"

// ansiRe strips CSI/OSC/charset-designator escape sequences, grounded on the
// teacher's internal/session/session.go ansiRe. Replacing with nothing rather
// than a space: the text buffer is a separate bounded buffer from the raw
// terminal buffer, not a word-boundary-preserving scratch space.
var ansiRe = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\].*?(?:\x07|\x1b\\)|\x1b[()][0-9A-B]`)

func stripANSI(b []byte) []byte {
	return ansiRe.ReplaceAll(b, nil)
}
