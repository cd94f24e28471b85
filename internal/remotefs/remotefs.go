// Package remotefs exposes an emulator's virtual filesystem as ordinary
// method calls on top of a connection's filesystem requests.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/chronologos/craftlink/internal/client"
	"github.com/chronologos/craftlink/internal/protocol"
)

// ErrNotExist is returned by Stat for a path the emulator reports as missing.
var ErrNotExist = fs.ErrNotExist

// Requester is the part of a connection the facade needs.
type Requester interface {
	SendFileRequest(ctx context.Context, req *protocol.FileRequest, data []byte) (client.Reply, error)
}

// FS issues requests on behalf of one window's computer.
type FS struct {
	conn   Requester
	window uint8
}

// New returns a facade for window 0.
func New(conn Requester) *FS {
	return &FS{conn: conn}
}

// ForWindow returns a facade addressing another window's computer.
func (f *FS) ForWindow(id uint8) *FS {
	return &FS{conn: f.conn, window: id}
}

func (f *FS) request(ctx context.Context, kind protocol.FileRequestType, p, p2 string) (*protocol.FileResponse, error) {
	reply, err := f.conn.SendFileRequest(ctx, &protocol.FileRequest{
		Header: protocol.Header{Window: f.window},
		Kind:   kind,
		Path:   p,
		Path2:  p2,
	}, nil)
	if err != nil {
		return nil, err
	}
	if reply.Response == nil {
		return nil, fmt.Errorf("%s %s: unexpected file data reply", kind, p)
	}
	return reply.Response, nil
}

func (f *FS) boolean(ctx context.Context, kind protocol.FileRequestType, p string) (bool, error) {
	r, err := f.request(ctx, kind, p, "")
	if err != nil {
		return false, err
	}
	return r.Bool, nil
}

func (f *FS) integer(ctx context.Context, kind protocol.FileRequestType, p string) (uint32, error) {
	r, err := f.request(ctx, kind, p, "")
	if err != nil {
		return 0, err
	}
	return r.Int, nil
}

func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	return f.boolean(ctx, protocol.FileExists, p)
}

func (f *FS) IsDir(ctx context.Context, p string) (bool, error) {
	return f.boolean(ctx, protocol.FileIsDir, p)
}

func (f *FS) IsReadOnly(ctx context.Context, p string) (bool, error) {
	return f.boolean(ctx, protocol.FileIsReadOnly, p)
}

// Size returns a file's length in bytes.
func (f *FS) Size(ctx context.Context, p string) (uint32, error) {
	return f.integer(ctx, protocol.FileGetSize, p)
}

// Capacity returns the total size of the drive holding p.
func (f *FS) Capacity(ctx context.Context, p string) (uint32, error) {
	return f.integer(ctx, protocol.FileGetCapacity, p)
}

// FreeSpace returns the bytes left on the drive holding p.
func (f *FS) FreeSpace(ctx context.Context, p string) (uint32, error) {
	return f.integer(ctx, protocol.FileGetFreeSpace, p)
}

// Drive names the mount p lives on, e.g. "hdd" or "rom".
func (f *FS) Drive(ctx context.Context, p string) (string, error) {
	r, err := f.request(ctx, protocol.FileGetDrive, p, "")
	if err != nil {
		return "", err
	}
	return r.Str, nil
}

// List returns the names in directory p.
func (f *FS) List(ctx context.Context, p string) ([]string, error) {
	r, err := f.request(ctx, protocol.FileList, p, "")
	if err != nil {
		return nil, err
	}
	return r.List, nil
}

// Find returns the paths matching a wildcard pattern.
func (f *FS) Find(ctx context.Context, pattern string) ([]string, error) {
	r, err := f.request(ctx, protocol.FileFind, pattern, "")
	if err != nil {
		return nil, err
	}
	return r.List, nil
}

// Stat returns p's attributes, or an error wrapping ErrNotExist.
func (f *FS) Stat(ctx context.Context, p string) (*protocol.Attributes, error) {
	r, err := f.request(ctx, protocol.FileAttributes, p, "")
	if err != nil {
		return nil, err
	}
	if r.Attributes == nil {
		return nil, fmt.Errorf("stat %s: %w", p, ErrNotExist)
	}
	return r.Attributes, nil
}

func (f *FS) MakeDir(ctx context.Context, p string) error {
	_, err := f.request(ctx, protocol.FileMakeDir, p, "")
	return err
}

func (f *FS) Delete(ctx context.Context, p string) error {
	_, err := f.request(ctx, protocol.FileDelete, p, "")
	return err
}

func (f *FS) Copy(ctx context.Context, from, to string) error {
	_, err := f.request(ctx, protocol.FileCopy, from, to)
	return err
}

func (f *FS) Move(ctx context.Context, from, to string) error {
	_, err := f.request(ctx, protocol.FileMove, from, to)
	return err
}

// ReadFile returns a file's contents. Text mode lets the emulator apply
// its own newline and charset handling.
func (f *FS) ReadFile(ctx context.Context, p string, binary bool) ([]byte, error) {
	reply, err := f.conn.SendFileRequest(ctx, &protocol.FileRequest{
		Header: protocol.Header{Window: f.window},
		Kind:   protocol.FileOpen,
		Path:   p,
		Binary: binary,
	}, nil)
	if err != nil {
		return nil, err
	}
	if reply.Data == nil {
		return nil, fmt.Errorf("read %s: unexpected file response reply", p)
	}
	return reply.Data.Data, nil
}

// WriteOptions selects the open mode for WriteFile.
type WriteOptions struct {
	Append bool
	Binary bool
}

// WriteFile replaces (or appends to) a file's contents.
func (f *FS) WriteFile(ctx context.Context, p string, data []byte, opts WriteOptions) error {
	_, err := f.conn.SendFileRequest(ctx, &protocol.FileRequest{
		Header: protocol.Header{Window: f.window},
		Kind:   protocol.FileOpen,
		Path:   p,
		Write:  true,
		Append: opts.Append,
		Binary: opts.Binary,
	}, data)
	return err
}

// Entry is one directory member.
type Entry struct {
	Name  string
	Path  string
	IsDir bool
}

// ReadDir lists p with each member classified, directories first and then
// by name. Members that vanish or fail to classify are left out.
func (f *FS) ReadDir(ctx context.Context, p string) ([]Entry, error) {
	names, err := f.List(ctx, p)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		full := path.Join(p, name)
		dir, err := f.IsDir(ctx, full)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		entries = append(entries, Entry{Name: name, Path: full, IsDir: dir})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Upload copies every regular file under root in src to dst, preserving
// the tree layout. Files are written in binary mode. It returns the number
// of files written.
func (f *FS) Upload(ctx context.Context, src fs.FS, root, dst string) (int, error) {
	n := 0
	err := fs.WalkDir(src, root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := fs.ReadFile(src, name)
		if err != nil {
			return err
		}
		rel := name
		if root != "." {
			rel = name[len(root):]
			if rel == "" {
				rel = path.Base(name)
			}
		}
		target := path.Join(dst, rel)
		if err := f.WriteFile(ctx, target, data, WriteOptions{Binary: true}); err != nil {
			return fmt.Errorf("upload %s: %w", target, err)
		}
		n++
		return nil
	})
	return n, err
}

// IsRequestError reports whether err is a failure reported by the emulator
// rather than a timeout or connection problem.
func IsRequestError(err error) bool {
	var reqErr *client.RequestError
	return errors.As(err, &reqErr)
}
