package events

import (
	"fmt"
	"regexp"
	"strconv"
)

//
// Exit statuses cross the process boundary as an unsigned byte.
// A command that exits with -1 is observed as 255, -2 as 254, and so on.
// Anything above 127 is therefore possibly a converted negative status,
// and not a literal application exit code.
//

const MaxSignedExitStatus = 127

var exitMessagePattern = regexp.MustCompile(`exited with code (-?\d+)`)

func NormalizeExitStatus(code int) int {
	return ((code % 256) + 256) % 256
}

func PossiblyNegative(code int) bool {
	return NormalizeExitStatus(code) > MaxSignedExitStatus
}

func SignedExitStatus(code int) int {
	code = NormalizeExitStatus(code)
	if code > MaxSignedExitStatus {
		return code - 256
	}

	return code
}

func ExitMessage(code int) string {
	return fmt.Sprintf("exited with code %d", NormalizeExitStatus(code))
}

func ParseExitMessage(message string) (int, bool) {
	match := exitMessagePattern.FindStringSubmatch(message)
	if match == nil {
		return 0, false
	}

	code, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}

	return NormalizeExitStatus(code), true
}
