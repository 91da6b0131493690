package modplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/mholt/archives"
)

// maxUnpackedSize ограничивает размер одного файла, скачанного или извлечённого из архива.
const maxUnpackedSize = 64 << 20

var errModuleFound = errors.New("module found")

// unpack достаёт модуль из сжатого файла или архива. Не архив возвращается
// как есть. Из архива берётся первый файл с известным заголовком модуля,
// а если такого нет, то самый большой.
func unpack(ctx context.Context, name string, data []byte) (string, []byte, error) {
	format, stream, err := archives.Identify(ctx, name, bytes.NewReader(data))
	if errors.Is(err, archives.NoMatch) {
		return name, data, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("identify archive: %w", err)
	}

	switch f := format.(type) {
	case archives.Extractor:
		return extractModule(ctx, name, f, data)

	case archives.Decompressor:
		rc, err := f.OpenReader(stream)
		if err != nil {
			return "", nil, fmt.Errorf("decompress %s: %w", name, err)
		}
		defer rc.Close()

		out, err := readLimited(rc)
		if err != nil {
			return "", nil, fmt.Errorf("decompress %s: %w", name, err)
		}
		return strings.TrimSuffix(name, path.Ext(name)), out, nil
	}
	return name, data, nil
}

func extractModule(ctx context.Context, name string, ex archives.Extractor, data []byte) (string, []byte, error) {
	var (
		bestName string
		best     []byte
	)
	err := ex.Extract(ctx, bytes.NewReader(data), func(ctx context.Context, fi archives.FileInfo) error {
		if fi.IsDir() || !fi.Mode().IsRegular() {
			return nil
		}
		r, err := fi.Open()
		if err != nil {
			return err
		}
		defer r.Close()

		content, err := readLimited(r)
		if err != nil {
			return fmt.Errorf("%s: %w", fi.NameInArchive, err)
		}
		if _, err := ParseModuleInfo(content); err == nil {
			bestName, best = fi.NameInArchive, content
			return errModuleFound
		}
		if len(content) > len(best) {
			bestName, best = fi.NameInArchive, content
		}
		return nil
	})
	if err != nil && !errors.Is(err, errModuleFound) {
		return "", nil, fmt.Errorf("extract %s: %w", name, err)
	}
	if best == nil {
		return "", nil, fmt.Errorf("archive %s holds no files", name)
	}
	return name + "/" + bestName, best, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUnpackedSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxUnpackedSize {
		return nil, fmt.Errorf("file larger than %d bytes", maxUnpackedSize)
	}
	return data, nil
}
