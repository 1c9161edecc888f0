//go:build yara

package signature

import (
	"fmt"
	"os"
	"time"

	"github.com/hillu/go-yara/v4"
	"github.com/samber/lo"

	"capextract/internal/record"
)

// YARAMatcher scans content with compiled YARA rules. Hits are reported in
// the order libyara returns them.
type YARAMatcher struct {
	rules   *yara.Rules
	timeout time.Duration
}

// LoadYARA compiles the YARA source file at path.
func LoadYARA(path string) (*YARAMatcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open yara rules: %w", err)
	}
	defer f.Close()

	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("yara compiler: %w", err)
	}
	defer compiler.Destroy()

	if err := compiler.AddFile(f, "capextract"); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, path, err)
	}
	rules, err := compiler.GetRules()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, path, err)
	}
	return &YARAMatcher{rules: rules, timeout: yaraScanTimeout}, nil
}

func (m *YARAMatcher) Scan(content []byte) ([]record.Match, error) {
	var hits yara.MatchRules
	if err := m.rules.ScanMem(content, yara.ScanFlags(yara.ScanFlagsFastMode), m.timeout, &hits); err != nil {
		return nil, fmt.Errorf("yara scan: %w", err)
	}
	return lo.Map(hits, func(hit yara.MatchRule, _ int) record.Match {
		match := record.Match{Name: hit.Rule}
		if len(hit.Metas) > 0 {
			match.Meta = make(map[string]string, len(hit.Metas))
			for _, meta := range hit.Metas {
				match.Meta[meta.Identifier] = fmt.Sprint(meta.Value)
			}
		}
		return match
	}), nil
}

// Close releases the compiled rules.
func (m *YARAMatcher) Close() {
	m.rules.Destroy()
}
