package registry

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileRegistry writes the address of an instance to its host info file, the
// format evolution runs read: nothing but host:port
type FileRegistry struct {
	path string
}

// NewFileRegistry uses path as the host info file of this instance,
// List reads every file starting with path
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

func (r *FileRegistry) Path() string {
	return r.path
}

func (r *FileRegistry) Register(ctx context.Context, e Entry) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	tmp, err := ioutil.TempFile(dir, ".hostinfo-")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(e.Address); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	zap.S().Infow("wrote host info", "path", r.path, "address", e.Address)
	return nil
}

func (r *FileRegistry) Deregister(ctx context.Context, e Entry) error {
	err := os.Remove(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List ignores role, host info files carry nothing but the address
func (r *FileRegistry) List(ctx context.Context, role string) ([]Entry, error) {
	paths, err := filepath.Glob(r.path + "*")
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, path := range paths {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			zap.S().Debugw("host info unreadable", "path", path, "err", err)
			continue
		}
		address := strings.TrimSpace(string(data))
		if address == "" {
			continue
		}
		entries = append(entries, Entry{Role: role, Address: address})
	}
	return entries, nil
}
