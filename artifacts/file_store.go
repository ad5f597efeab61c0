// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FileStore keeps artifacts on the local filesystem, one directory per
// volume. Replacement writes go through a temporary file and a rename so
// readers never observe partial content.
type fileStore struct {
	root string
}

// creates a file-backed artifact store rooted at the given directory,
// creating the directory if needed
func NewFileStore(root string) (Store, error) {
	if root == "" {
		return nil, fmt.Errorf("no artifact storage directory was specified!")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return &fileStore{root: root}, nil
}

func (s *fileStore) volumePath(volume string) (string, error) {
	if err := validateName(volume); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(volume)), nil
}

func (s *fileStore) filePath(volume, name string) (string, error) {
	dir, err := s.volumePath(volume)
	if err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(name)), nil
}

func (s *fileStore) CreateVolume(ctx context.Context, volume string) error {
	dir, err := s.volumePath(volume)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

func (s *fileStore) ReadBytes(ctx context.Context, volume, name string) ([]byte, error) {
	path, err := s.filePath(volume, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &FileNotFoundError{Volume: volume, Name: name}
	}
	return data, err
}

func (s *fileStore) ReadText(ctx context.Context, volume, name string) (string, error) {
	data, err := s.ReadBytes(ctx, volume, name)
	return string(data), err
}

func (s *fileStore) ReadStream(ctx context.Context, volume, name string) (io.ReadCloser, Metadata, error) {
	path, err := s.filePath(volume, name)
	if err != nil {
		return nil, Metadata{}, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Metadata{}, &FileNotFoundError{Volume: volume, Name: name}
	}
	if err != nil {
		return nil, Metadata{}, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, Metadata{}, err
	}
	return file, Metadata{Size: info.Size(), MimeType: detectMimeType(path, file)}, nil
}

func (s *fileStore) WriteBytes(ctx context.Context, volume, name string, data []byte) error {
	path, err := s.filePath(volume, name)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	// replace atomically: write a sibling temp file, then rename over the target
	tmpPath := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString()[:8])
	if err = os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *fileStore) WriteText(ctx context.Context, volume, name, text string) error {
	return s.WriteBytes(ctx, volume, name, []byte(text))
}

func (s *fileStore) WriteStream(ctx context.Context, volume, name string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return s.WriteBytes(ctx, volume, name, data)
}

func (s *fileStore) DeleteFile(ctx context.Context, volume, name string) error {
	path, err := s.filePath(volume, name)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) ListFiles(ctx context.Context, volume string) ([]string, error) {
	dir, err := s.volumePath(volume)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (s *fileStore) DeleteVolume(ctx context.Context, volume string) error {
	dir, err := s.volumePath(volume)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// determines the MIME type of a file from its extension, sniffing the
// first bytes when the extension is unknown
func detectMimeType(path string, file *os.File) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(path)); mimeType != "" {
		return mimeType
	}
	buffer := make([]byte, 512)
	n, _ := file.Read(buffer)
	file.Seek(0, io.SeekStart)
	return http.DetectContentType(buffer[:n])
}
