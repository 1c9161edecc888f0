// Package classify turns a monitor type code and a file-type string into a
// category label and the category specific fields of an artifact.
package classify

import (
	"strings"

	"capextract/internal/metadata"
	"capextract/internal/record"
)

// PlugXDecoder is the decoder a PlugX config dump is handed to directly.
const PlugXDecoder = "PlugX"

type Result struct {
	Code  TypeCode
	Label string
	// Retain forces the artifact into the output regardless of the caller.
	Retain bool
	// Decoder names a config decoder the category must be run through.
	Decoder string
}

// Classify derives the label for code and rawType. It holds no state, so
// the same inputs always produce the same Result.
func Classify(code TypeCode, rawType string) Result {
	result := Result{Code: code, Label: code.String()}
	if result.Label != "" && code.describesImage() {
		result.Label += Suffix(rawType)
	}

	switch code {
	case PlugXConfig:
		result.Retain = true
		result.Decoder = PlugXDecoder
	case EvilGrabData:
		result.Retain = true
	}
	return result
}

// Suffix returns the ": 64-bit DLL" style tail for PE file-type strings,
// or "" when rawType is not a well formed PE description.
func Suffix(rawType string) string {
	tokens := strings.Fields(rawType)
	if len(tokens) < 3 {
		return ""
	}

	var suffix string
	switch tokens[0] {
	case "PE32+":
		suffix = ": 64-bit "
	case "PE32":
		suffix = ": 32-bit "
	default:
		return ""
	}

	if tokens[2] == "(DLL)" {
		return suffix + "DLL"
	}
	return suffix + "executable"
}

// Apply classifies the artifact in place from its sidecar and raw type.
func Apply(a *record.Artifact, sc metadata.Sidecar) Result {
	code, _ := sc.TypeCode()
	tc := Normalize(code)
	a.TypeCode = int(tc)

	if pid, ok := sc.Field(metadata.FieldPID); ok {
		a.PID = pid
	}
	if path, ok := sc.Field(metadata.FieldProcessPath); ok {
		a.ProcessPath = path
		a.ProcessName = windowsBase(path)
	}
	if path, ok := sc.Field(metadata.FieldModulePath); ok {
		a.ModulePath = path
	}

	switch tc {
	case InjectionPE, InjectionShellcode:
		if path, ok := sc.Field(metadata.FieldTarget); ok {
			a.TargetPath = path
			a.TargetProcess = windowsBase(path)
		}
		if pid, ok := sc.Field(metadata.FieldTargetPID); ok {
			a.TargetPID = pid
		}
	case ExtractionPE, ExtractionShellcode:
		if va, ok := sc.Field(metadata.FieldTarget); ok {
			a.VirtualAddress = va
		}
	}

	result := Classify(tc, a.RawType)
	a.Category = result.Label
	if result.Retain {
		a.Retain = true
	}
	return result
}

func windowsBase(path string) string {
	if i := strings.LastIndex(path, `\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
