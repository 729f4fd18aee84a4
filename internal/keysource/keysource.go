// Package keysource loads the token master keyring at startup. The keyring
// is read once and never reloaded; rotating keys means restarting with a
// keyring that still lists the previous version.
package keysource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"securenotes-backend/internal/auth"

	"github.com/rs/zerolog"
)

// ErrNoSource is returned when no key source is configured and ephemeral
// keys are not allowed.
var ErrNoSource = errors.New("keysource: no master key source configured")

// Config selects where the keyring comes from. The first non-empty source
// wins, in the order Inline, File, S3.
type Config struct {
	Inline   string
	File     string
	S3Bucket string
	S3Object string

	// AllowEphemeral permits a random, process-lifetime key when nothing
	// else is configured. Tokens then die with the process.
	AllowEphemeral bool
}

// Loader reads keyring definitions.
type Loader struct {
	cfg Config
	s3  *S3Source
}

// NewLoader returns a loader for cfg. s3 may be nil when cfg names no S3
// object.
func NewLoader(cfg Config, s3 *S3Source) *Loader {
	return &Loader{cfg: cfg, s3: s3}
}

// Load returns the keyring.
func (l *Loader) Load(ctx context.Context) (*auth.Keyring, error) {
	logger := zerolog.Ctx(ctx)

	switch {
	case l.cfg.Inline != "":
		logger.Info().Str("source", "env").Msg("loading master keyring")
		return auth.ParseKeyring(l.cfg.Inline)

	case l.cfg.File != "":
		logger.Info().Str("source", "file").Str("path", l.cfg.File).Msg("loading master keyring")
		raw, err := os.ReadFile(l.cfg.File)
		if err != nil {
			return nil, fmt.Errorf("keysource: read %s: %w", l.cfg.File, err)
		}
		return auth.ParseKeyring(joinLines(string(raw)))

	case l.cfg.S3Bucket != "" || l.cfg.S3Object != "":
		if l.cfg.S3Bucket == "" || l.cfg.S3Object == "" {
			return nil, errors.New("keysource: both S3 bucket and object are required")
		}
		if l.s3 == nil {
			return nil, errors.New("keysource: S3 source not initialized")
		}
		logger.Info().Str("source", "s3").Str("bucket", l.cfg.S3Bucket).Str("object", l.cfg.S3Object).Msg("loading master keyring")
		def, err := l.s3.Fetch(ctx, l.cfg.S3Bucket, l.cfg.S3Object)
		if err != nil {
			return nil, err
		}
		return auth.ParseKeyring(joinLines(def))

	case l.cfg.AllowEphemeral:
		logger.Warn().Msg("no master key source configured, generating an ephemeral key; tokens will not survive a restart")
		return auth.GenerateKeyring("ephemeral")
	}

	return nil, ErrNoSource
}

// joinLines accepts keyring files with one entry per line and # comments.
func joinLines(s string) string {
	var entries []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return strings.Join(entries, ",")
}
