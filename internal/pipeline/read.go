package pipeline

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

type fileData struct {
	// content holds at most the configured cap of leading bytes.
	content   []byte
	size      int64
	truncated bool
	md5       string
	sha1      string
	sha256    string
}

// readCapped maps path, hashes the whole file and copies out the first
// limit bytes.
func readCapped(path string, limit int) (fileData, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileData{}, fmt.Errorf("unable to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fileData{}, fmt.Errorf("unable to stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fileData{}, fmt.Errorf("%s is not a regular file", path)
	}

	data := fileData{size: info.Size()}
	if data.size == 0 {
		// empty files cannot be mapped
		data.content = []byte{}
		data.hash(nil)
		return data, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fileData{}, fmt.Errorf("unable to map artifact: %w", err)
	}
	defer m.Unmap()

	n := len(m)
	if limit >= 0 && n > limit {
		n = limit
		data.truncated = true
	}
	data.content = make([]byte, n)
	copy(data.content, m[:n])
	data.hash(m)
	return data, nil
}

func (d *fileData) hash(b []byte) {
	md5Sum := md5.Sum(b)
	sha1Sum := sha1.Sum(b)
	sha256Sum := sha256.Sum256(b)
	d.md5 = hex.EncodeToString(md5Sum[:])
	d.sha1 = hex.EncodeToString(sha1Sum[:])
	d.sha256 = hex.EncodeToString(sha256Sum[:])
}
