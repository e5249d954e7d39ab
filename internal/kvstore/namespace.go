package kvstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const installationKey = "installation_id"

// Namespaced prefixes every key with prefix. Closing it does not close the
// underlying store.
func Namespaced(s Store, prefix string) Store {
	return &namespaced{inner: s, prefix: prefix}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.inner.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key, value string) error {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Remove(ctx context.Context, key string) error {
	return n.inner.Remove(ctx, n.prefix+key)
}

func (n *namespaced) Close() error { return nil }

// InstallationID returns the id of this installation, generating and
// persisting a new UUID the first time.
func InstallationID(ctx context.Context, s Store) (string, error) {
	id, ok, err := s.Get(ctx, installationKey)
	if err != nil {
		return "", fmt.Errorf("read installation id: %w", err)
	}
	if ok {
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
	}
	id = uuid.NewString()
	if err := s.Set(ctx, installationKey, id); err != nil {
		return "", fmt.Errorf("store installation id: %w", err)
	}
	return id, nil
}

// ForInstallation scopes s to the installation's namespace "inst/<id>/".
func ForInstallation(ctx context.Context, s Store) (Store, string, error) {
	id, err := InstallationID(ctx, s)
	if err != nil {
		return nil, "", err
	}
	return Namespaced(s, "inst/"+id+"/"), id, nil
}
