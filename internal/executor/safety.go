package executor

import (
	"fmt"
	"strings"
)

// dangerousPatterns is a substring denylist for shell commands. It catches
// the obviously destructive classics; it is not a sandbox.
var dangerousPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"> /dev/sda",
	"mkfs",
	":(){:|:&};:",
	"dd if=/dev/random",
	"dd if=/dev/zero of=/dev/",
	"mv /* /dev/null",
}

// CheckCommand rejects commands matching the denylist.
func CheckCommand(command string) error {
	for _, pattern := range dangerousPatterns {
		if strings.Contains(command, pattern) {
			return fmt.Errorf("command rejected: dangerous pattern %q", pattern)
		}
	}
	return nil
}
