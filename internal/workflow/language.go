package workflow

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

var ErrInvalidLanguage = errors.New("invalid language tag")

// NormalizeLanguage validates a BCP-47 tag and returns its canonical form.
func NormalizeLanguage(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLanguage)
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, raw)
	}
	return tag.String(), nil
}
