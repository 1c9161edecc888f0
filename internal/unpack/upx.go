package unpack

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"capextract/internal/common"
)

var (
	lookPathFunc = exec.LookPath
	execCmdFunc  = exec.CommandContext
)

var (
	upxMagic     = []byte("UPX!")
	upxSection0  = []byte("UPX0")
	upxVersionID = []byte("$Id: UPX ")
)

// DefaultUPXTimeout bounds a single `upx -d` run.
const DefaultUPXTimeout = 60 * time.Second

type UPXFactory struct {
	// Path is the upx binary, resolved through PATH when not absolute.
	Path    string
	Timeout time.Duration
}

func (f *UPXFactory) Build(content []byte) common.Unpacker {
	u := &UPXUnpacker{content: content, binary: f.Path, timeout: f.Timeout}
	if u.binary == "" {
		u.binary = "upx"
	}
	if u.timeout <= 0 {
		u.timeout = DefaultUPXTimeout
	}
	return u
}

type UPXUnpacker struct {
	content []byte
	binary  string
	timeout time.Duration
}

type upxHeader struct {
	Version byte
	Format  byte
	Method  byte
	Level   byte
}

func (u *UPXUnpacker) Name() string {
	return "UPX"
}

func (u *UPXUnpacker) header() (upxHeader, error) {
	idx := bytes.Index(u.content, upxMagic)
	if idx < 0 || idx+len(upxMagic)+4 > len(u.content) {
		return upxHeader{}, fmt.Errorf("no UPX packheader present")
	}
	h := u.content[idx+len(upxMagic):]
	return upxHeader{Version: h[0], Format: h[1], Method: h[2], Level: h[3]}, nil
}

func (u *UPXUnpacker) Identified() (string, error) {
	h, err := u.header()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if idx := bytes.Index(u.content, upxVersionID); idx >= 0 {
		rest := u.content[idx+len(upxVersionID):]
		if end := bytes.IndexByte(rest, ' '); end > 0 {
			fmt.Fprintf(&sb, "[+] UPX Version: %s\n", rest[:end])
		}
	}
	fmt.Fprintf(&sb, "[+] Packheader Version: %d\n", h.Version)
	fmt.Fprintf(&sb, "[+] Format: %d\n", h.Format)
	fmt.Fprintf(&sb, "[+] Method: %d\n", h.Method)
	fmt.Fprintf(&sb, "[+] Level: %d\n", h.Level)
	return sb.String(), nil
}

func (u *UPXUnpacker) CanUnpack() bool {
	return bytes.Contains(u.content, upxMagic) || bytes.Contains(u.content, upxSection0)
}

// UnpackToFile writes the packed bytes to path and decompresses them in place
// with the external upx binary.
func (u *UPXUnpacker) UnpackToFile(ctx context.Context, path string) error {
	binary, err := lookPathFunc(u.binary)
	if err != nil {
		return fmt.Errorf("upx binary %q not found: %w", u.binary, err)
	}

	if err := os.WriteFile(path, u.content, 0o600); err != nil {
		return fmt.Errorf("failed to stage packed file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	out, err := execCmdFunc(ctx, binary, "-d", "-q", path).CombinedOutput()
	if ctx.Err() != nil {
		return fmt.Errorf("upx timed out after %s: %w", u.timeout, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("upx failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
