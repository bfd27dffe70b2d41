package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under the base dir, so only a
// conservative character set is accepted.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot safely name a session directory.
func ValidateName(name string) error {
	if namePattern.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid session name %q: lowercase letters, digits, - and _ only, 1-64 chars", name)
}
