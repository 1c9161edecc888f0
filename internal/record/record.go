// Package record holds the artifact model handed to the reporting layer.
package record

import (
	"encoding/hex"

	"github.com/samber/lo"
)

// Match is a single named hit reported by a signature matcher.
type Match struct {
	Name string            `json:"name"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Preview is a hex sample of an artifact's leading bytes.
type Preview struct {
	Hex       string `json:"hex"`
	Truncated bool   `json:"truncated"`
}

// NewPreview encodes at most limit bytes of data. Truncated is set when
// data is longer than limit or when the source was already cut short.
func NewPreview(data []byte, limit int, sourceTruncated bool) Preview {
	truncated := sourceTruncated
	if limit >= 0 && len(data) > limit {
		data = data[:limit]
		truncated = true
	}
	return Preview{Hex: hex.EncodeToString(data), Truncated: truncated}
}

// Artifact is the unit produced per processed file.
type Artifact struct {
	Path     string  `json:"path"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	MD5      string  `json:"md5"`
	SHA1     string  `json:"sha1"`
	SHA256   string  `json:"sha256"`
	RawType  string  `json:"type"`
	Matches  []Match `json:"yara"`
	Preview  Preview `json:"data"`
	Metadata string  `json:"metadata,omitempty"`

	TypeCode int    `json:"cape_type_code"`
	Category string `json:"cape_type"`

	PID            string `json:"pid,omitempty"`
	ProcessPath    string `json:"process_path,omitempty"`
	ProcessName    string `json:"process_name,omitempty"`
	ModulePath     string `json:"module_path,omitempty"`
	TargetPath     string `json:"target_path,omitempty"`
	TargetProcess  string `json:"target_process,omitempty"`
	TargetPID      string `json:"target_pid,omitempty"`
	VirtualAddress string `json:"virtual_address,omitempty"`

	Config      map[string]any `json:"cape_config,omitempty"`
	DecoderName string         `json:"cape_name,omitempty"`

	Retain bool `json:"-"`
}

// MatchNames returns the names of all matches in reported order.
func (a *Artifact) MatchNames() []string {
	return lo.Map(a.Matches, func(m Match, _ int) string { return m.Name })
}

// HasMatch reports whether any match carries the given name.
func HasMatch(matches []Match, name string) bool {
	return lo.ContainsBy(matches, func(m Match) bool { return m.Name == name })
}
