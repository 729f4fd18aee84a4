package keysource

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"securenotes-backend/internal/auth"
	"securenotes-backend/internal/crypto"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string]string
	calls   int
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	body, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func entry(t *testing.T, version string) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return auth.FormatKeyEntry(version, key)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	v1, v2 := entry(t, "v1"), entry(t, "v2")

	path := filepath.Join(t.TempDir(), "keys")
	if err := os.WriteFile(path, []byte("# rotated 2026-10-01\n"+v2+"\n\n"+v1+"\n"), 0o600); err != nil {
		t.Fatalf("write keyring file: %v", err)
	}

	fake := &fakeS3{objects: map[string]string{"secrets/keys": v2 + "\n" + v1}}

	tests := []struct {
		name        string
		cfg         Config
		wantCurrent string
		wantLen     int
	}{
		{"inline", Config{Inline: v2 + "," + v1}, "v2", 2},
		{"file", Config{File: path}, "v2", 2},
		{"s3", Config{S3Bucket: "secrets", S3Object: "keys"}, "v2", 2},
		{"inline wins over file", Config{Inline: v1, File: path}, "v1", 1},
		{"ephemeral", Config{AllowEphemeral: true}, "ephemeral", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyring, err := NewLoader(tt.cfg, NewS3Source(fake)).Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if version, _ := keyring.Current(); version != tt.wantCurrent {
				t.Errorf("Current() = %q, want %q", version, tt.wantCurrent)
			}
			if keyring.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", keyring.Len(), tt.wantLen)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]string{}}

	tests := []struct {
		name string
		cfg  Config
		s3   *S3Source
	}{
		{"nothing configured", Config{}, nil},
		{"missing file", Config{File: filepath.Join(t.TempDir(), "absent")}, nil},
		{"bucket without object", Config{S3Bucket: "secrets"}, NewS3Source(fake)},
		{"missing object", Config{S3Bucket: "secrets", S3Object: "absent"}, NewS3Source(fake)},
		{"s3 not initialized", Config{S3Bucket: "secrets", S3Object: "keys"}, nil},
		{"malformed inline", Config{Inline: "v1:not-base64!"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader(tt.cfg, tt.s3).Load(ctx); err == nil {
				t.Error("Load() succeeded")
			}
		})
	}

	if _, err := NewLoader(Config{}, nil).Load(ctx); !errors.Is(err, ErrNoSource) {
		t.Errorf("Load() with no source error = %v, want ErrNoSource", err)
	}
}
