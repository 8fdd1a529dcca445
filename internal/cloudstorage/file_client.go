// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cloudstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileClient stores objects as files under root/bucket. It backs the
// "local" provider and tests.
type FileClient struct {
	base   string
	prefix string
}

// NewFileClient returns a client rooted at root. The bucket becomes a
// subdirectory.
func NewFileClient(root, bucket, prefix string) *FileClient {
	return &FileClient{base: filepath.Join(root, bucket), prefix: prefix}
}

// Path returns the file that holds key.
func (c *FileClient) Path(key string) string {
	return filepath.Join(c.base, filepath.FromSlash(fullKey(c.prefix, key)))
}

// UploadObject copies the source into place through a temp file so readers
// never see a partial object.
func (c *FileClient) UploadObject(ctx context.Context, key, sourceFilename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := c.Path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	src, err := os.Open(sourceFilename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	out, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	n, err := io.Copy(out, src)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		_ = os.Remove(tmp)
		uploadErrors.Add(ctx, 1)
		return fmt.Errorf("upload %s: %w", key, err)
	}
	uploadCount.Add(ctx, 1)
	uploadBytes.Add(ctx, n)
	return nil
}

func (c *FileClient) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(c.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return f, err
}

func (c *FileClient) DeleteObject(ctx context.Context, key string) error {
	if err := os.Remove(c.Path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
