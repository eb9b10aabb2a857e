package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"go.uber.org/zap"
)

func init() {
	// Extensions common in sandbox output that the platform mime table
	// may not carry.
	mime.AddExtensionType(".csv", "text/csv")
	mime.AddExtensionType(".txt", "text/plain; charset=utf-8")
	mime.AddExtensionType(".md", "text/markdown")
	mime.AddExtensionType(".log", "text/plain; charset=utf-8")
}

// FileContent is a resolved archive member ready to stream to a caller.
type FileContent struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// ContentTypeFor infers a content type from a file name's extension,
// defaulting to a generic binary type.
func ContentTypeFor(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Retrieve pulls a single file out of the environment as a
// filesystem-snapshot archive and resolves it to one member:
//
//  1. request a tar snapshot rooted at filePath from the provider,
//  2. walk its members looking for an exact match on filePath with the
//     leading separator stripped,
//  3. failing that, take the first member whose name ends with the final
//     path segment of filePath,
//  4. failing that, fall back to the first member in the snapshot.
//
// An exact match streams straight off the archive without buffering; the
// fallback candidates are buffered one member at a time while scanning.
// An empty snapshot or an unextractable selection is ErrNotFound.
func (f *Files) Retrieve(ctx context.Context, handle Handle, filePath string) (*FileContent, error) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, f.timeout)

	archive, err := f.provider.GetArchive(ctxWithTimeout, handle, filePath)
	if err != nil {
		cancel()
		f.logger.Error("archive request failed",
			zap.String("container", string(handle)),
			zap.String("path", filePath),
			zap.Error(err))
		return nil, fmt.Errorf("requesting archive for %s: %w", filePath, ErrInternal)
	}

	relPath := strings.TrimPrefix(filePath, "/")
	basename := path.Base(filePath)

	var (
		suffixMatch *candidate
		firstMember *candidate
	)

	reader := tar.NewReader(archive)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.closeArchive(archive, cancel)
			f.logger.Error("archive decode failed",
				zap.String("container", string(handle)),
				zap.String("path", filePath),
				zap.Error(err))
			return nil, fmt.Errorf("decoding archive for %s: %w", filePath, ErrInternal)
		}

		regular := header.Typeflag == tar.TypeReg

		if header.Name == relPath {
			if !regular {
				f.closeArchive(archive, cancel)
				return nil, fmt.Errorf("%s is not a regular file: %w", filePath, ErrNotFound)
			}
			// Stream the member straight from the archive.
			return &FileContent{
				Name:        header.Name,
				ContentType: ContentTypeFor(header.Name),
				Size:        header.Size,
				Body: &memberStream{
					reader:  reader,
					archive: archive,
					cancel:  cancel,
				},
			}, nil
		}

		if suffixMatch == nil && strings.HasSuffix(header.Name, basename) {
			c, err := bufferCandidate(header, reader, regular)
			if err != nil {
				f.closeArchive(archive, cancel)
				return nil, fmt.Errorf("decoding archive for %s: %w", filePath, ErrInternal)
			}
			suffixMatch = c
			continue
		}

		if firstMember == nil && suffixMatch == nil {
			c, err := bufferCandidate(header, reader, regular)
			if err != nil {
				f.closeArchive(archive, cancel)
				return nil, fmt.Errorf("decoding archive for %s: %w", filePath, ErrInternal)
			}
			firstMember = c
		}
	}

	f.closeArchive(archive, cancel)

	selected := suffixMatch
	if selected == nil {
		selected = firstMember
	}
	if selected == nil {
		return nil, fmt.Errorf("no members in archive for %s: %w", filePath, ErrNotFound)
	}
	if !selected.regular {
		return nil, fmt.Errorf("%s resolved to a non-regular member %s: %w", filePath, selected.name, ErrNotFound)
	}

	f.logger.Debug("archive member selected by fallback",
		zap.String("requested", filePath),
		zap.String("member", selected.name))

	return &FileContent{
		Name:        selected.name,
		ContentType: ContentTypeFor(selected.name),
		Size:        int64(len(selected.content)),
		Body:        io.NopCloser(bytes.NewReader(selected.content)),
	}, nil
}

// closeArchive drains nothing and releases the snapshot stream. Close
// errors are expected when the stream is abandoned mid-archive.
func (f *Files) closeArchive(archive io.ReadCloser, cancel context.CancelFunc) {
	if err := archive.Close(); err != nil {
		f.logger.Debug("archive stream close", zap.Error(err))
	}
	cancel()
}

type candidate struct {
	name    string
	regular bool
	content []byte
}

func bufferCandidate(header *tar.Header, reader *tar.Reader, regular bool) (*candidate, error) {
	c := &candidate{name: header.Name, regular: regular}
	if !regular {
		return c, nil
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	c.content = content
	return c, nil
}

// memberStream reads the selected member directly off the archive and
// releases the underlying snapshot stream on close.
type memberStream struct {
	reader  *tar.Reader
	archive io.ReadCloser
	cancel  context.CancelFunc
}

func (s *memberStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *memberStream) Close() error {
	// The archive may not be fully consumed; close errors are benign.
	s.archive.Close()
	s.cancel()
	return nil
}
