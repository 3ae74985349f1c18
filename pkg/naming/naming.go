package naming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxTopicLength keeps "<topic>.csv" within the common 255 byte file name limit.
const MaxTopicLength = 251

// topicRegex allows alphanumerics, dash, underscore and dot, starting with an alphanumeric.
var topicRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// ValidateTopic reports whether name can be used as a topic. The log of a
// topic is the file "<name>.csv" in the log directory, so a topic must:
//   - contain only alphanumeric characters, '-', '_' or '.'
//   - start with an alphanumeric character
//   - not contain ".."
//   - be at most MaxTopicLength characters long
func ValidateTopic(name string) error {
	switch {
	case name == "":
		return errors.New("topic name is empty")
	case len(name) > MaxTopicLength:
		return fmt.Errorf("topic name is longer than %d characters", MaxTopicLength)
	case !topicRegex.MatchString(name):
		return fmt.Errorf("topic name %q may only contain alphanumerics, '-', '_' and '.' and must start with an alphanumeric", name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("topic name %q must not contain \"..\"", name)
	}
	return nil
}
