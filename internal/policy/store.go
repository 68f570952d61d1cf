package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/org/enc/internal/fsutil"
	"github.com/org/enc/internal/runner"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/jsonc"
)

var (
	// ErrPolicyUnavailable means the policy file is missing or unreadable even
	// after escalation.
	ErrPolicyUnavailable = errors.New("policy unavailable")
	// ErrPolicyCorrupt means the policy file exists but does not parse.
	ErrPolicyCorrupt = errors.New("policy corrupt")
)

// Store reads and writes the policy document at a fixed path.
type Store struct {
	path     string
	lockPath string
	sudo     *Escalator
	writer   Writer
}

// NewStore creates a Store. sudo may be nil, in which case permission errors
// on read are final.
func NewStore(path, lockPath string, writer Writer, sudo *Escalator) *Store {
	return &Store{path: path, lockPath: lockPath, writer: writer, sudo: sudo}
}

// Path returns the policy file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and parses the current document. It never writes.
func (s *Store) Load(ctx context.Context) (*models.PolicyDocument, error) {
	data, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a policy document. Comments and trailing commas are
// tolerated because operators edit the file by hand.
func Parse(data []byte) (*models.PolicyDocument, error) {
	doc := models.NewPolicyDocument()
	if err := json.Unmarshal(jsonc.ToJSON(data), doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyCorrupt, err)
	}
	doc.Normalize()
	return doc, nil
}

// Encode renders a document the way it is stored on disk.
func Encode(doc *models.PolicyDocument) ([]byte, error) {
	doc.Normalize()
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("encoding policy: %w", err)
	}
	return append(data, '\n'), nil
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrPolicyUnavailable, s.path)
	}
	if !errors.Is(err, fs.ErrPermission) || s.sudo == nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}

	log.Debug().Str("file", s.path).Msg("policy not readable, retrying with escalation")
	data, eerr := s.sudo.ReadFile(ctx, s.path)
	if eerr != nil {
		return nil, fmt.Errorf("%w: reading %s with escalation: %v", ErrPolicyUnavailable, s.path, eerr)
	}
	return data, nil
}

// Update applies fn to the current on-disk document and publishes the result
// atomically. Writers are serialized with a file lock; if the lock cannot be
// taken the update still proceeds, last write wins.
func (s *Store) Update(ctx context.Context, fn func(doc *models.PolicyDocument) error) error {
	if s.lockPath != "" {
		lock, err := fsutil.Acquire(ctx, s.lockPath)
		if err != nil {
			log.Warn().Err(err).Str("lock", s.lockPath).Msg("policy lock unavailable, writing unserialized")
		} else {
			defer lock.Release()
		}
	}

	doc, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	data, err := Encode(doc)
	if err != nil {
		return err
	}
	if err := s.writer.WriteFile(ctx, s.path, data); err != nil {
		return fmt.Errorf("writing policy: %w", err)
	}
	return nil
}

// Escalator runs file operations through sudo.
type Escalator struct {
	Bin    string
	Runner runner.Runner
}

// ReadFile returns the content of path via `sudo -n cat`.
func (e *Escalator) ReadFile(ctx context.Context, path string) ([]byte, error) {
	out, err := e.Runner.Run(ctx, runner.Cmd{Name: e.Bin, Args: []string{"-n", "cat", path}})
	if err != nil {
		return nil, err
	}
	return out.Stdout, nil
}
