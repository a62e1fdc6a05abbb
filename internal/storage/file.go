package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/ztrue/tracerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerwire/internal/logger"
)

// FileSink writes the content below Dir. A single-file torrent becomes
// Dir/<name>; a multi-file torrent becomes Dir/<name>/<path...>.
type FileSink struct {
	fs  afero.Fs
	dir string
	log *zap.Logger
}

func NewFileSink(fs afero.Fs, dir string, log *zap.Logger) *FileSink {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileSink{
		fs:  fs,
		dir: dir,
		log: logger.L(log).Named("storage"),
	}
}

func (s *FileSink) Store(layout Layout, content []byte) error {
	if err := checkComponent(layout.Name); err != nil {
		return tracerr.Wrap(err)
	}

	if !layout.IsMultiFile() {
		if len(content) != layout.Length {
			return tracerr.Errorf("content is %d bytes, layout wants %d", len(content), layout.Length)
		}
		return s.writeFile(filepath.Join(s.dir, layout.Name), content)
	}

	total := 0
	for _, f := range layout.Files {
		if len(f.Path) == 0 {
			return tracerr.Errorf("file with empty path in %q", layout.Name)
		}
		for _, c := range f.Path {
			if err := checkComponent(c); err != nil {
				return tracerr.Wrap(err)
			}
		}
		if f.Length < 0 {
			return tracerr.Errorf("file %s has negative length", strings.Join(f.Path, "/"))
		}
		total += f.Length
	}
	if total != len(content) {
		return tracerr.Errorf("content is %d bytes, files add up to %d", len(content), total)
	}

	root := filepath.Join(s.dir, layout.Name)
	var errs error
	offset := 0
	for _, f := range layout.Files {
		path := filepath.Join(append([]string{root}, f.Path...)...)
		errs = multierr.Append(errs, s.writeFile(path, content[offset:offset+f.Length]))
		offset += f.Length
	}
	return errs
}

func (s *FileSink) writeFile(path string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.log.Error("failed to create directory", zap.String("path", path), zap.Error(err))
		return tracerr.Wrap(err)
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		s.log.Error("failed to write file", zap.String("path", path), zap.Error(err))
		return tracerr.Wrap(err)
	}
	s.log.Debug("file written", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

// checkComponent rejects names that would leave the output directory.
func checkComponent(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid path component %q", name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, os.PathSeparator):
		return fmt.Errorf("path component %q contains a separator", name)
	case filepath.IsAbs(name):
		return fmt.Errorf("path component %q is absolute", name)
	}
	return nil
}
