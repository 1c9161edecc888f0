//go:build !yara

package signature

import (
	"fmt"

	"capextract/internal/record"
)

// YARAMatcher is unavailable without the yara build tag.
type YARAMatcher struct{}

// LoadYARA always fails; rebuild with -tags yara and libyara installed.
func LoadYARA(path string) (*YARAMatcher, error) {
	return nil, fmt.Errorf("%w: %s", ErrYARAUnavailable, path)
}

func (m *YARAMatcher) Scan([]byte) ([]record.Match, error) {
	return nil, ErrYARAUnavailable
}

func (m *YARAMatcher) Close() {}
