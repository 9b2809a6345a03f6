// Package tokenfile reads and writes per-owner OAuth token files and exposes
// them as a connector.TokenProvider. Token acquisition (the OAuth dance)
// happens elsewhere; this package only resolves already-granted credentials
// for a resource or acting actor.
package tokenfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/openmirror/mirrord/internal/connector"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the tokens directory.
const DirPerms = 0o700

// File is the on-disk format: the OAuth token wrapped so the format can grow
// fields without breaking old files.
type File struct {
	Token *oauth2.Token `json:"token"`
}

// Load reads a saved token file. Returns (nil, nil) if the file does not
// exist.
func Load(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, fmt.Errorf("tokenfile: %s missing token field (re-authorization required)", path)
	}

	return tf.Token, nil
}

// Save writes a token file atomically (write-to-temp + rename) with 0600
// permissions. Never logs token values.
func Save(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(File{Token: tok}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush before rename so a power loss cannot leave an empty or partial
	// token file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Provider resolves tokens from a directory of per-owner files,
// <dir>/<owner>.json. Implements connector.TokenProvider.
type Provider struct {
	dir string
}

// NewProvider creates a Provider rooted at dir.
func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

// Path returns the token file path for an owner. The owner ID is
// percent-escaped so email-style IDs cannot traverse directories.
func (p *Provider) Path(ownerID string) string {
	return filepath.Join(p.dir, url.PathEscape(ownerID)+".json")
}

// Token returns a token source for ownerID, or connector.ErrNoToken when no
// valid token file exists. Expired tokens without a refresh token count as
// absent: the engine treats them as unauthorized rather than failing.
func (p *Provider) Token(_ context.Context, ownerID string) (oauth2.TokenSource, error) {
	tok, err := Load(p.Path(ownerID))
	if err != nil {
		return nil, err
	}

	if tok == nil || (!tok.Valid() && tok.RefreshToken == "") {
		return nil, fmt.Errorf("tokenfile: %s: %w", ownerID, connector.ErrNoToken)
	}

	return oauth2.StaticTokenSource(tok), nil
}
