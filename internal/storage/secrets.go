package storage

import (
	"context"
	"strings"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/model"
)

const (
	secretErr = "SecretStoreError"

	DefaultNonceSource = "manual"
)

type secretBackend interface {
	// appendNonce assigns the next version atomically.
	appendNonce(ctx context.Context, value, source string, at time.Time) error
	// listNonces returns all versions, newest first.
	listNonces(ctx context.Context) ([]model.NonceConfig, error)
	latestNonce(ctx context.Context) (*model.NonceConfig, error)
}

type secretStore struct {
	backend secretBackend
	opts    Options
}

func newSecretStore(b secretBackend, opts Options) *secretStore {
	return &secretStore{backend: b, opts: opts}
}

func (s *secretStore) RotateNonce(ctx context.Context, value, source string) error {
	if strings.TrimSpace(value) == "" {
		return faults.New(secretErr, faults.CodeValidation, "nonce value required")
	}
	if source == "" {
		source = DefaultNonceSource
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	if err := s.backend.appendNonce(ctx, value, source, s.opts.now()); err != nil {
		return faults.Wrap(secretErr, faults.CodeNonceRotateFailed, err, "rotate nonce").With("source", source)
	}
	return nil
}

// GetNonce returns the highest version. An empty store is an error, never a
// zero value.
func (s *secretStore) GetNonce(ctx context.Context) (model.NonceConfig, error) {
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	n, err := s.backend.latestNonce(ctx)
	if err != nil {
		return model.NonceConfig{}, faults.Wrap(secretErr, faults.CodeReadFailed, err, "read nonce")
	}
	if n == nil {
		return model.NonceConfig{}, faults.New(secretErr, faults.CodeNonceNotFound, "no nonce configured")
	}
	return *n, nil
}

func (s *secretStore) GetNonces(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	list, err := s.backend.listNonces(ctx)
	if err != nil {
		return nil, faults.Wrap(secretErr, faults.CodeReadFailed, err, "read nonces")
	}
	if len(list) == 0 {
		return nil, faults.New(secretErr, faults.CodeNonceNotFound, "no nonce configured")
	}
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.Value)
	}
	return out, nil
}
