// Package local stores objects as files under a root directory.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/thebluefowl/reelvault/internal/fault"
	"github.com/thebluefowl/reelvault/internal/storage"
)

const (
	metaSuffix = ".meta.json"
	tmpPrefix  = ".upload-"
)

var _ storage.Storage = (*Dir)(nil)

type Dir struct {
	root string
}

type meta struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func New(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("local storage: root directory required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local storage: %w", err)
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if key == "" || clean == "/" || strings.HasSuffix(key, metaSuffix) || strings.Contains(filepath.Base(clean), tmpPrefix) {
		return "", fmt.Errorf("%w: invalid object key %q", fault.ErrValidation, key)
	}
	return filepath.Join(d.root, clean), nil
}

func ioErr(op, key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrObjectNotFound)
	}
	return fmt.Errorf("%w: %s %s: %w", fault.ErrIO, op, key, err)
}

// Upload writes to a temp file in the target directory and renames it into
// place, so readers never observe a partial object.
func (d *Dir) Upload(ctx context.Context, key string, body io.Reader, contentType string, metadata map[string]string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if contentType == "" {
		if ext := filepath.Ext(key); ext != "" {
			contentType = mime.TypeByExtension(ext)
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return ioErr("mkdir", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), tmpPrefix+"*")
	if err != nil {
		return ioErr("create", key, err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, &storage.ContextReader{Ctx: ctx, R: io.NopCloser(body)})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ioErr("write", key, err)
	}

	mb, err := json.Marshal(meta{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("local storage: encode metadata: %w", err)
	}
	if err := os.WriteFile(p+metaSuffix, mb, 0o640); err != nil {
		return ioErr("write metadata", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return ioErr("rename", key, err)
	}
	return nil
}

func (d *Dir) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, ioErr("open", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat", key, err)
	}
	if offset < 0 || offset > fi.Size() {
		f.Close()
		return nil, fmt.Errorf("%w: offset %d beyond object size %d", fault.ErrRangeNotSatisfiable, offset, fi.Size())
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, ioErr("seek", key, err)
	}

	var r io.Reader = f
	if length >= 0 {
		r = io.LimitReader(f, length)
	}
	return &storage.ContextReader{Ctx: ctx, R: readCloser{Reader: r, Closer: f}}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (d *Dir) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, ioErr("stat", key, err)
	}
	info := &storage.ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime().UTC()}
	if b, err := os.ReadFile(p + metaSuffix); err == nil {
		var m meta
		if json.Unmarshal(b, &m) == nil {
			info.ContentType = m.ContentType
			info.Metadata = m.Metadata
		}
	}
	return info, nil
}

func (d *Dir) Delete(ctx context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("delete", key, err)
	}
	if err := os.Remove(p + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr("delete metadata", key, err)
	}
	return nil
}

func (d *Dir) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || strings.HasSuffix(p, metaSuffix) || strings.HasPrefix(e.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := e.Info()
		if err != nil {
			return err
		}
		out = append(out, storage.ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", fault.ErrIO, d.root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
