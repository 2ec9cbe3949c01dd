package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/janekbaraniewski/fleetusage/internal/core"
)

// Sink receives the files of one run. Nothing becomes visible under its final
// name until Commit; Abort discards everything staged so far.
type Sink interface {
	WriteFile(name string, write func(io.Writer) error) error
	// StagePath reserves a temporary path for writers that need a real file,
	// such as a database driver. The file is committed like any other.
	StagePath(name string) (string, error)
	Commit() error
	Abort()
}

type stagedFile struct {
	name string
	tmp  string
}

// DirSink stages files as hidden temp files inside the destination directory
// so the final rename never crosses a filesystem boundary.
type DirSink struct {
	dir    string
	staged []stagedFile
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &core.OutputWriteError{Path: dir, Err: err}
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) Dir() string { return s.dir }

func (s *DirSink) StagePath(name string) (string, error) {
	f, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return "", &core.OutputWriteError{Path: filepath.Join(s.dir, name), Err: err}
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", &core.OutputWriteError{Path: filepath.Join(s.dir, name), Err: err}
	}
	s.staged = append(s.staged, stagedFile{name: name, tmp: tmp})
	return tmp, nil
}

func (s *DirSink) WriteFile(name string, write func(io.Writer) error) error {
	final := filepath.Join(s.dir, name)
	tmp, err := s.StagePath(name)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &core.OutputWriteError{Path: final, Err: err}
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return &core.OutputWriteError{Path: final, Err: err}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return &core.OutputWriteError{Path: final, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &core.OutputWriteError{Path: final, Err: err}
	}
	if err := f.Close(); err != nil {
		return &core.OutputWriteError{Path: final, Err: err}
	}
	return nil
}

// Commit renames every staged file over its final name, replacing the
// previous run's output. Existing regular files are moved aside first; if any
// rename fails, every file already placed is rolled back so the directory
// holds either the complete new output or the complete old output.
func (s *DirSink) Commit() error {
	var placed []placedFile
	for i, f := range s.staged {
		final := filepath.Join(s.dir, f.name)
		fail := func(err error) error {
			s.rollback(placed)
			s.staged = s.staged[i:]
			s.Abort()
			return &core.OutputWriteError{Path: final, Err: err}
		}
		if err := os.Chmod(f.tmp, 0o644); err != nil {
			return fail(err)
		}
		p := placedFile{final: final}
		if info, err := os.Lstat(final); err == nil && info.Mode().IsRegular() {
			p.backup = f.tmp + ".prev"
			if err := os.Rename(final, p.backup); err != nil {
				return fail(fmt.Errorf("move aside: %w", err))
			}
		}
		if err := os.Rename(f.tmp, final); err != nil {
			if p.backup != "" {
				os.Rename(p.backup, final)
			}
			return fail(fmt.Errorf("replace: %w", err))
		}
		placed = append(placed, p)
	}
	for _, p := range placed {
		if p.backup != "" {
			os.Remove(p.backup)
		}
	}
	s.staged = nil
	return nil
}

// placedFile is a staged file already renamed into place during Commit.
type placedFile struct {
	final  string
	backup string // previous content, empty when final did not exist
}

func (s *DirSink) rollback(placed []placedFile) {
	for i := len(placed) - 1; i >= 0; i-- {
		p := placed[i]
		if p.backup == "" {
			os.Remove(p.final)
			continue
		}
		os.Rename(p.backup, p.final)
	}
}

func (s *DirSink) Abort() {
	for _, f := range s.staged {
		os.Remove(f.tmp)
	}
	s.staged = nil
}
