// Package metadata reads and writes the sidecar records the monitor drops
// next to every dumped file.
//
// A sidecar is a single comma separated line:
//
//	[0]=type_code [1]=pid [2]=process_path [3]=module_path
//	[4]=target_path or virtual_address [5]=target_pid
//
// Any trailing field may be missing.
package metadata

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

const DefaultSuffix = "_info.txt"

const (
	FieldTypeCode = iota
	FieldPID
	FieldProcessPath
	FieldModulePath
	FieldTarget
	FieldTargetPID
)

type Sidecar struct {
	Raw    string
	Fields []string
}

// Field returns the positional field i, or false when the line is too short.
func (s Sidecar) Field(i int) (string, bool) {
	if i < 0 || i >= len(s.Fields) {
		return "", false
	}
	return s.Fields[i], true
}

// TypeCode parses field 0. Bad or missing codes yield 0 and ok=false; the
// caller keeps processing either way.
func (s Sidecar) TypeCode() (int, bool) {
	raw, ok := s.Field(FieldTypeCode)
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return code, true
}

// Path returns the sidecar location for an artifact.
func Path(artifactPath, suffix string) string {
	return artifactPath + suffix
}

// IsSidecar reports whether path is itself a metadata file.
func IsSidecar(path, suffix string) bool {
	return suffix != "" && strings.HasSuffix(path, suffix)
}

// Parse splits a raw sidecar line.
func Parse(line string) Sidecar {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Sidecar{}
	}
	return Sidecar{Raw: line, Fields: strings.Split(line, ",")}
}

// Read loads the sidecar for artifactPath. A missing sidecar is not an error.
func Read(artifactPath, suffix string) (Sidecar, error) {
	f, err := os.Open(Path(artifactPath, suffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Sidecar{}, nil
		}
		return Sidecar{}, fmt.Errorf("unable to open sidecar for %s: %w", artifactPath, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		// empty file reads as io.EOF with nothing buffered
		return Sidecar{}, nil
	}
	return Parse(line), nil
}

// Write creates the sidecar for artifactPath holding a single line.
func Write(artifactPath, suffix, line string) error {
	f, err := os.OpenFile(Path(artifactPath, suffix), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("unable to create sidecar for %s: %w", artifactPath, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("unable to write sidecar for %s: %w", artifactPath, err)
	}
	return f.Close()
}

// Line formats positional fields into a sidecar line.
func Line(fields ...string) string {
	return strings.Join(fields, ",")
}
