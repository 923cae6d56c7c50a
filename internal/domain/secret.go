package domain

import (
	"fmt"
	"strings"
)

// ValidateSecretKey accepts namespaced keys such as "wallet/seed". Every
// segment is lowercase ASCII letters, digits, '-', '_' or '.', and may not
// start with a dot.
func ValidateSecretKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidSecretKey)
	}

	segments := strings.Split(key, "/")
	if len(segments) < 2 {
		return fmt.Errorf("%w: %q has no namespace", ErrInvalidSecretKey, key)
	}
	for _, segment := range segments {
		if segment == "" || segment[0] == '.' {
			return fmt.Errorf("%w: %q has an empty or dotted segment", ErrInvalidSecretKey, key)
		}
		for _, r := range segment {
			if !isSecretKeyRune(r) {
				return fmt.Errorf("%w: %q contains %q", ErrInvalidSecretKey, key, r)
			}
		}
	}
	return nil
}

func isSecretKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '.':
		return true
	}
	return false
}
