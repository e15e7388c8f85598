package compact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/jxucoder/telerun/jobsession"
	"github.com/jxucoder/telerun/sandbox"
)

// Dir is the directory, relative to the storage root, that holds every
// session's offloaded results.
const Dir = ".ctx-zip"

// FileStorage stores results on the host filesystem under
// Root/.ctx-zip/<session>.
type FileStorage struct {
	Root      string
	SessionID string
}

func (f *FileStorage) dir() (string, error) {
	return securejoin.SecureJoin(f.Root, filepath.Join(Dir, f.SessionID))
}

// Write implements Storage. Existing files are never overwritten.
func (f *FileStorage) Write(_ context.Context, key string, content []byte) (string, error) {
	dir, err := f.dir()
	if err != nil {
		return "", fmt.Errorf("resolving session dir: %w", err)
	}
	full, err := securejoin.SecureJoin(dir, key)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	fh, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return full, nil
	}
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", key, err)
	}
	if _, err := fh.Write(content); err != nil {
		fh.Close()
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	return full, fh.Close()
}

// Cleanup implements Storage.
func (f *FileStorage) Cleanup(context.Context) error {
	dir, err := f.dir()
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// SandboxStorage stores results inside the sandbox workspace under
// .ctx-zip/<session>, where the agent's read tools can reach them. The
// directory carries a .gitignore so offloaded results are never committed.
type SandboxStorage struct {
	Session   *jobsession.Session
	SessionID string

	mu      sync.Mutex
	written map[string]string
	ignored bool
}

func (s *SandboxStorage) dir() string {
	return path.Join(Dir, s.SessionID)
}

// Write implements Storage.
func (s *SandboxStorage) Write(ctx context.Context, key string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written == nil {
		s.written = make(map[string]string)
	}
	if p, ok := s.written[key]; ok {
		return p, nil
	}

	rel := path.Join(s.dir(), key)
	files := []sandbox.File{{Path: rel, Content: content}}
	if !s.ignored {
		files = append(files, sandbox.File{Path: path.Join(Dir, ".gitignore"), Content: []byte("*\n")})
	}
	if err := s.Session.WriteFiles(ctx, files); err != nil {
		return "", err
	}
	s.ignored = true
	s.written[key] = rel
	return rel, nil
}

// Written returns the tool-result key to path mapping recorded so far.
func (s *SandboxStorage) Written() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.written))
	for k, v := range s.written {
		out[k] = v
	}
	return out
}

// Cleanup implements Storage by removing the session directory.
func (s *SandboxStorage) Cleanup(ctx context.Context) error {
	res, err := s.Session.RunCommand(ctx, jobsession.RunOptions{
		Cmd:  "rm",
		Args: []string{"-rf", s.dir()},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("removing %s: exit %d", s.dir(), res.ExitCode)
	}
	return nil
}
