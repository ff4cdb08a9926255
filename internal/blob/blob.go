// Package blob stores raw document bytes. Version snapshots are written once
// under version-addressed keys; only the per-project "current" key is ever
// overwritten.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"path"
	"strings"
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrAlreadyExists = errors.New("blob already exists")
)

// Store is a durable key/value store for raw bytes with read-after-write
// consistency per key.
type Store interface {
	// Put writes data under key. With overwrite=false it fails with
	// ErrAlreadyExists when the key is already present.
	Put(ctx context.Context, key string, data []byte, overwrite bool) error
	// Get returns the bytes stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// TransientError marks a backend failure that is safe to retry
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is retryable
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func transientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

// ComputeHash computes the SHA256 hash of content
func ComputeHash(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}

// VersionKey is the write-once key of a version snapshot:
// {document_id}/v{n}/{filename}
func VersionKey(documentID string, version int, filename string) string {
	return fmt.Sprintf("%s/v%d/%s", documentID, version, cleanName(filename))
}

// CurrentKey is the mutable pointer key of a project's latest upload:
// {project_id}/current/{filename}
func CurrentKey(projectID, filename string) string {
	return fmt.Sprintf("%s/current/%s", projectID, cleanName(filename))
}

func cleanName(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
