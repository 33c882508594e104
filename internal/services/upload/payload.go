package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

type filePayload struct {
	path string
	size int64
}

// FilePayload returns a payload that reads path from disk on every Open.
func FilePayload(path string) (Payload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &filePayload{path: path, size: info.Size()}, nil
}

func (p *filePayload) Open() (io.ReadCloser, error) {
	return os.Open(p.path)
}

func (p *filePayload) Size() int64 {
	return p.size
}

type bytesPayload []byte

// BytesPayload wraps in-memory content.
func BytesPayload(data []byte) Payload {
	return bytesPayload(data)
}

func (p bytesPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p)), nil
}

func (p bytesPayload) Size() int64 {
	return int64(len(p))
}
