package topic

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmpty    = errors.New("topic is empty")
	ErrTooLong  = errors.New("topic exceeds 65535 bytes")
	ErrNullChar = errors.New("topic contains a NUL character")
)

// ValidateFilter checks that filter is a well-formed subscription filter.
// '+' must occupy a whole level and '#' must be the whole final level.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}

	levels := strings.Split(Unshare(filter), Separator)
	for i, level := range levels {
		switch {
		case level == MultiWildcard:
			if i != len(levels)-1 {
				return fmt.Errorf("%q: '#' must be the last level", filter)
			}
		case level == Wildcard:
		case strings.ContainsAny(level, Wildcard+MultiWildcard):
			return fmt.Errorf("%q: wildcard must occupy an entire level", filter)
		}
	}
	return nil
}

// ValidateName checks that name can be used as a publish topic.
func ValidateName(name string) error {
	if err := validateCommon(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, Wildcard+MultiWildcard) {
		return fmt.Errorf("%q: wildcards are not allowed in a publish topic", name)
	}
	return nil
}

func validateCommon(s string) error {
	switch {
	case s == "":
		return ErrEmpty
	case len(s) > MaxLength:
		return ErrTooLong
	case strings.ContainsRune(s, 0):
		return ErrNullChar
	}
	return nil
}

// Unshare strips a "$share/<group>/" prefix, returning the plain filter.
func Unshare(filter string) string {
	if strings.HasPrefix(filter, SharedPrefix) {
		parts := strings.SplitN(filter, Separator, 3)
		if len(parts) == 3 {
			return parts[2]
		}
	}
	return filter
}

// Match reports whether topic is matched by filter.
func Match(filter, topic string) bool {
	filter = Unshare(filter)
	if filter == topic {
		return true
	}
	if !strings.ContainsAny(filter, Wildcard+MultiWildcard) {
		return false
	}
	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)

	// a wildcard in the first level never matches a $-prefixed topic
	if strings.HasPrefix(topic, "$") && (filterLevels[0] == Wildcard || filterLevels[0] == MultiWildcard) {
		return false
	}

	for i, level := range filterLevels {
		if level == MultiWildcard {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != Wildcard && level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
