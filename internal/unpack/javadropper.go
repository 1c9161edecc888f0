package unpack

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"capextract/internal/common"
)

// maxDroppedSize caps how much a single jar entry may inflate to.
const maxDroppedSize = 64 << 20

type JavaDropperFactory struct{}

func (f *JavaDropperFactory) Build(content []byte) common.Unpacker {
	return &JavaDropper{content: content}
}

// JavaDropper pulls the dropped resource out of a Java dropper jar. The
// dropped file is the largest entry that is neither compiled code nor part
// of the jar's own metadata.
type JavaDropper struct {
	content []byte
}

func (j *JavaDropper) Name() string {
	return "Java Dropper"
}

func (j *JavaDropper) open() (*zip.Reader, error) {
	return zip.NewReader(bytes.NewReader(j.content), int64(len(j.content)))
}

func (j *JavaDropper) payloadEntry() (*zip.File, error) {
	archive, err := j.open()
	if err != nil {
		return nil, fmt.Errorf("unable to open jar. %v", err)
	}

	var best *zip.File
	for _, f := range archive.File {
		if f.FileInfo().IsDir() || isJarPlumbing(f.Name) {
			continue
		}
		if best == nil || f.UncompressedSize64 > best.UncompressedSize64 {
			best = f
		}
	}
	if best == nil {
		return nil, fmt.Errorf("jar carries no dropped resource")
	}
	return best, nil
}

func isJarPlumbing(name string) bool {
	return strings.HasPrefix(name, "META-INF/") || strings.HasSuffix(name, ".class")
}

func (j *JavaDropper) Identified() (string, error) {
	archive, err := j.open()
	if err != nil {
		return "", fmt.Errorf("unable to open jar. %v", err)
	}
	entry, err := j.payloadEntry()
	if err != nil {
		return "", err
	}

	var result string
	result += fmt.Sprintf("[+] Entries: %d\n", len(archive.File))
	result += fmt.Sprintf("[+] Dropped Resource: %s (%d bytes)\n", entry.Name, entry.UncompressedSize64)
	return result, nil
}

func (j *JavaDropper) CanUnpack() bool {
	_, err := j.payloadEntry()
	return err == nil
}

func (j *JavaDropper) UnpackToFile(_ context.Context, path string) error {
	entry, err := j.payloadEntry()
	if err != nil {
		return fmt.Errorf("failed to unpack to file. %v", err)
	}
	if entry.UncompressedSize64 > maxDroppedSize {
		return fmt.Errorf("dropped resource %s too large (%d bytes)", entry.Name, entry.UncompressedSize64)
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("failed to open dropped resource. %v", err)
	}
	defer rc.Close()

	payload, err := io.ReadAll(io.LimitReader(rc, maxDroppedSize))
	if err != nil {
		return fmt.Errorf("failed to inflate dropped resource. %v", err)
	}
	err = os.WriteFile(path, payload, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write payload to file. %v", err)
	}
	return nil
}
