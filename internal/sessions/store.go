// Package sessions persists platform credential artifacts per agent.
//
// Layout under the session root:
//
//	<root>/<agentID>/artifact.json   metadata (transport, phase, revoked)
//	<root>/<agentID>/session.bin     sealed credential blob
//
// The blob is opaque to the hub: WhatsApp bridge keys, MTProto auth data
// and mail credentials all pass through unchanged. At rest the blob is
// sealed with AES-256-GCM via internal/crypto; a nil sealer stores
// plaintext, which config validation rejects in production.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/crypto"
	"github.com/nextlevelbuilder/agenthub/internal/fault"
)

// ErrNotFound is returned by Load and Meta when no artifact exists for the
// agent. Adapters treat it as "fresh pairing required".
var ErrNotFound = errors.New("sessions: artifact not found")

// Auth phases recorded on the artifact while a multi-step login is in
// flight. Adapters with single-step auth leave the phase empty.
const (
	PhaseAwaitingCode     = "awaiting_code"
	PhaseAwaitingPassword = "awaiting_password"
	PhaseReady            = "ready"
)

const (
	metaFile = "artifact.json"
	blobFile = "session.bin"
)

// Artifact describes a stored credential without exposing its contents.
type Artifact struct {
	AgentID   string `json:"agentId"`
	Transport string `json:"transport"`
	Phase     string `json:"phase,omitempty"`
	Revoked   bool   `json:"revoked,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Store reads and writes artifacts under a root directory. All writes go
// through a temp file and rename so a crash never leaves a torn blob.
type Store struct {
	root   string
	sealer *crypto.Sealer
	mu     sync.Mutex
}

// NewStore opens (creating if needed) the artifact root.
func NewStore(root string, sealer *crypto.Sealer) (*Store, error) {
	if root == "" {
		return nil, errors.New("sessions: root path required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("sessions: create root: %w", err)
	}
	return &Store{root: root, sealer: sealer}, nil
}

// Save stores a credential blob for the agent, replacing any previous one.
// A save after Revoke produces a valid artifact again.
func (s *Store) Save(agentID, transport string, blob []byte) error {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("sessions: create agent dir: %w", err)
	}

	now := time.Now().UnixMilli()
	meta := Artifact{
		AgentID:   agentID,
		Transport: transport,
		Phase:     PhaseReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prev, err := s.readMeta(dir); err == nil {
		meta.CreatedAt = prev.CreatedAt
	}

	sealed, err := s.sealer.Seal(blob)
	if err != nil {
		return err
	}
	if err := writeAtomic(dir, blobFile, sealed); err != nil {
		return err
	}
	return s.writeMeta(dir, meta)
}

// Load returns the artifact metadata and decrypted blob. A revoked
// artifact fails with AuthFailed so the caller restarts pairing instead
// of reusing dead credentials.
func (s *Store) Load(agentID string) (Artifact, []byte, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return Artifact{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(dir)
	if err != nil {
		return Artifact{}, nil, err
	}
	if meta.Revoked {
		return Artifact{}, nil, fault.New(fault.AuthFailed, "session for agent %s is revoked", agentID)
	}

	sealed, err := os.ReadFile(filepath.Join(dir, blobFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, nil, ErrNotFound
		}
		return Artifact{}, nil, fmt.Errorf("sessions: read blob: %w", err)
	}
	blob, err := s.sealer.Open(sealed)
	if err != nil {
		return Artifact{}, nil, fault.Wrap(fault.AuthFailed, err, "session blob for agent %s cannot be opened", agentID)
	}
	return meta, blob, nil
}

// Meta returns artifact metadata without touching the blob.
func (s *Store) Meta(agentID string) (Artifact, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return Artifact{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMeta(dir)
}

// SetPhase records auth progress. Creates the artifact shell when none
// exists yet, which happens mid-login before any blob is available.
func (s *Store) SetPhase(agentID, transport, phase string) error {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(dir)
	if errors.Is(err, ErrNotFound) {
		if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
			return fmt.Errorf("sessions: create agent dir: %w", mkErr)
		}
		meta = Artifact{AgentID: agentID, Transport: transport, CreatedAt: time.Now().UnixMilli()}
	} else if err != nil {
		return err
	}

	meta.Phase = phase
	meta.UpdatedAt = time.Now().UnixMilli()
	if transport != "" {
		meta.Transport = transport
	}
	return s.writeMeta(dir, meta)
}

// Revoke marks the artifact unusable while keeping it on disk for audit.
// Revoking a missing artifact is a no-op.
func (s *Store) Revoke(agentID string) error {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(dir)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	meta.Revoked = true
	meta.UpdatedAt = time.Now().UnixMilli()
	return s.writeMeta(dir, meta)
}

// Delete removes the agent's artifact directory entirely.
func (s *Store) Delete(agentID string) error {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return nil
}

// Exists reports whether a non-revoked blob is stored for the agent.
func (s *Store) Exists(agentID string) bool {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMeta(dir)
	if err != nil || meta.Revoked {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, blobFile))
	return err == nil
}

func (s *Store) agentDir(agentID string) (string, error) {
	if agentID == "" || agentID == "." || !filepath.IsLocal(agentID) || strings.ContainsAny(agentID, `/\`) {
		return "", fault.New(fault.Validation, "invalid agent id %q", agentID)
	}
	return filepath.Join(s.root, agentID), nil
}

func (s *Store) readMeta(dir string) (Artifact, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("sessions: read meta: %w", err)
	}
	var meta Artifact
	if err := json.Unmarshal(data, &meta); err != nil {
		return Artifact{}, fmt.Errorf("sessions: parse meta: %w", err)
	}
	return meta, nil
}

func (s *Store) writeMeta(dir string, meta Artifact) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(dir, metaFile, data)
}

// writeAtomic writes via temp file then rename so readers never observe a
// partial file.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return err
	}
	cleanup = false
	return nil
}
