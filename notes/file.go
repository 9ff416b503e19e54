package notes

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	FileName      = "notes.json"
	corruptSuffix = ".corrupt"
)

// FileStore keeps the collection as a JSON array in a single file.
type FileStore struct {
	*collection
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &FileStore{collection: &collection{b: fileBlob(path)}, path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

type fileBlob string

func (p fileBlob) String() string { return string(p) }

func (p fileBlob) read() ([]byte, bool, error) {
	data, err := os.ReadFile(string(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (p fileBlob) write(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(string(p)), ".notes-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), string(p)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (p fileBlob) quarantine() (string, error) {
	dst := string(p) + corruptSuffix
	return dst, os.Rename(string(p), dst)
}

func (fileBlob) close() error { return nil }
