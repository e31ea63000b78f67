package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	apperr "flying/internal/errors"
)

var (
	ErrInvalidFilename = errors.New("invalid filename")
	ErrInvalidSize     = errors.New("invalid file size")
)

// Collect lists the files to send for root. A directory requires recursive;
// its files are named relative to root's parent so the directory name is kept.
func Collect(root string, recursive bool) ([]SourceFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrFileSystem, "transfer", fmt.Sprintf("cannot send %s", root), err)
	}
	if info.Mode().IsRegular() {
		return []SourceFile{{Path: root, Name: filepath.Base(root)}}, nil
	}
	if !info.IsDir() {
		return nil, apperr.Fatal(apperr.ErrFileSystem, "transfer", fmt.Sprintf("%s is not a regular file", root), nil)
	}
	if !recursive {
		return nil, apperr.Fatal(apperr.ErrFileSystem, "transfer", fmt.Sprintf("%s is a directory (use --recursive)", root), nil)
	}

	clean := filepath.Clean(root)
	base := filepath.Dir(clean)
	var files []SourceFile
	err = filepath.WalkDir(clean, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		files = append(files, SourceFile{Path: p, Name: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, apperr.Fatal(apperr.ErrFileSystem, "transfer", fmt.Sprintf("failed to walk %s", root), err)
	}
	return files, nil
}

// localName turns a received slash-separated name into a path relative to the
// output directory, rejecting anything that would land outside it.
func localName(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", ErrInvalidFilename
	}
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == "." {
		return "", ErrInvalidFilename
	}
	local := filepath.FromSlash(clean)
	if !filepath.IsLocal(local) {
		return "", ErrInvalidFilename
	}
	return local, nil
}

// UniquePath returns p if nothing exists there, otherwise the first free
// "(n) name" in the same directory.
func UniquePath(p string) (string, error) {
	if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
		return p, nil
	} else if err != nil {
		return "", err
	}
	dir, base := filepath.Dir(p), filepath.Base(p)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("(%d) %s", i, base))
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}
