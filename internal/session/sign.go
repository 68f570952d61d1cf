package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/org/enc/internal/fsutil"
	"github.com/org/enc/pkg/models"
)

// ErrTampered means a record's signature does not match its content.
var ErrTampered = errors.New("session signature mismatch")

// KeySize is the length of a generated signing key.
const KeySize = 32

// grant is the signed part of a record. The command log is left out since
// appending to it never changes what the session may do.
type grant struct {
	SessionID       string                            `json:"session_id"`
	Username        string                            `json:"username"`
	CreatedAt       string                            `json:"created_at"`
	AllowedCommands []string                          `json:"allowed_commands"`
	Projects        map[string]models.ProjectMetadata `json:"projects"`
	ActiveProject   *string                           `json:"active_project"`
}

func digest(key []byte, s *models.Session) (string, error) {
	data, err := json.Marshal(grant{
		SessionID:       s.SessionID,
		Username:        s.Username,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339Nano),
		AllowedCommands: s.AllowedCommands,
		Projects:        s.Projects,
		ActiveProject:   s.ActiveProject,
	})
	if err != nil {
		return "", fmt.Errorf("encoding session grant: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Sign stores the record's signature in s.Signature.
func Sign(key []byte, s *models.Session) error {
	sig, err := digest(key, s)
	if err != nil {
		return err
	}
	s.Signature = sig
	return nil
}

// Verify checks s.Signature against key.
func Verify(key []byte, s *models.Session) error {
	want, err := digest(key, s)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(s.Signature)) {
		return fmt.Errorf("%w: %s", ErrTampered, s.SessionID)
	}
	return nil
}

// ReadKey loads the signing key at path. When the file does not exist and
// create is set, a fresh random key is written with mode 0600.
func ReadKey(path string, create bool) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeKey(path, data)
	}
	if !errors.Is(err, fs.ErrNotExist) || !create {
		return nil, fmt.Errorf("reading session key: %w", err)
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("creating session key dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, []byte(hex.EncodeToString(key)+"\n"), recordMode); err != nil {
		return nil, fmt.Errorf("writing session key: %w", err)
	}
	return key, nil
}

// DecodeKey parses the hex key file content.
func DecodeKey(data []byte) ([]byte, error) {
	return decodeKey("session key", data)
}

func decodeKey(name string, data []byte) ([]byte, error) {
	key, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: not hex encoded", name)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("%s: key too short", name)
	}
	return key, nil
}
