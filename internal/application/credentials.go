package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/ericfisherdev/cimanager/internal/domain/model"
	"github.com/ericfisherdev/cimanager/internal/domain/port/driven"
)

// ResolveCredentials overlays credentials held in store onto base. Stored
// non-empty values win over configured ones. A nil store, or one without an
// encryption key, returns base.
func ResolveCredentials(ctx context.Context, store driven.CredentialStore, base model.ServiceCredentials) (model.ServiceCredentials, error) {
	if store == nil {
		return base, nil
	}

	creds := base
	targets := []struct {
		service string
		dst     *string
	}{
		{model.ServiceGitHubUsername, &creds.GitHubUsername},
		{model.ServiceGitHubToken, &creds.GitHubToken},
		{model.ServiceCircleCIToken, &creds.CircleCIToken},
	}

	for _, t := range targets {
		v, err := store.Get(ctx, t.service)
		if err != nil {
			if errors.Is(err, driven.ErrEncryptionKeyNotSet) {
				return base, nil
			}
			return model.ServiceCredentials{}, fmt.Errorf("reading stored credential %q: %w", t.service, err)
		}
		if v != "" {
			*t.dst = v
		}
	}
	return creds, nil
}
