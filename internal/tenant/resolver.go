// Package tenant maps raw provider identifiers on inbound events to the
// owning account and endpoint. Resolution fails closed: an event that matches
// no active endpoint is orphaned, never attributed to a fallback tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ChatHive/entity"
	"ChatHive/internal/lib/sl"
	"ChatHive/internal/vault"
)

// ErrNotFound means no active endpoint owns the event's identifiers.
var ErrNotFound = errors.New("tenant: no matching endpoint")

// Directory is the endpoint index the resolver queries. It stays stateless
// and re-queryable; there is no process-wide ownership cache.
type Directory interface {
	FindEndpointByID(ctx context.Context, id entity.EndpointID) (*entity.Endpoint, error)
	FindEndpointByBusinessAccount(ctx context.Context, businessAccountID string) (*entity.Endpoint, error)
	MarkEndpointNeedsReauth(ctx context.Context, id entity.EndpointID) error
}

type Resolver struct {
	dir   Directory
	vault *vault.Vault
	log   *slog.Logger
}

func NewResolver(dir Directory, v *vault.Vault, log *slog.Logger) *Resolver {
	return &Resolver{
		dir:   dir,
		vault: v,
		log:   log.With(sl.Module("tenant.resolver")),
	}
}

// Resolve maps (businessAccountID, endpointID) to the registered endpoint,
// which carries the owning account id. The provider-unique endpoint id is the
// stronger key and wins; the business account id is only consulted when no
// direct endpoint match exists.
func (r *Resolver) Resolve(ctx context.Context, businessAccountID string, endpointID entity.EndpointID) (*entity.Endpoint, error) {
	if endpointID != "" {
		endpoint, err := r.dir.FindEndpointByID(ctx, endpointID)
		if err != nil {
			return nil, fmt.Errorf("resolve endpoint %s: %w", endpointID, err)
		}
		if endpoint != nil && endpoint.IsActive {
			return endpoint, nil
		}
	}

	if businessAccountID != "" {
		endpoint, err := r.dir.FindEndpointByBusinessAccount(ctx, businessAccountID)
		if err != nil {
			return nil, fmt.Errorf("resolve business account %s: %w", businessAccountID, err)
		}
		if endpoint != nil && endpoint.IsActive {
			r.log.Debug("resolved via business account fallback",
				slog.String("business_account_id", businessAccountID),
				slog.String("endpoint_id", string(endpoint.ID)),
			)
			return endpoint, nil
		}
	}

	return nil, ErrNotFound
}

// AccessToken decrypts the endpoint's provider credential. A decryption
// failure flags the endpoint for re-authorization and is returned as
// vault.ErrDecryptionFailed for the caller to absorb.
func (r *Resolver) AccessToken(ctx context.Context, endpointID entity.EndpointID) (string, error) {
	endpoint, err := r.dir.FindEndpointByID(ctx, endpointID)
	if err != nil {
		return "", fmt.Errorf("load endpoint %s: %w", endpointID, err)
	}
	if endpoint == nil || !endpoint.IsActive {
		return "", ErrNotFound
	}

	token, err := r.vault.Decrypt(endpoint.EncryptedToken)
	if err != nil {
		if errors.Is(err, vault.ErrDecryptionFailed) {
			r.log.Warn("endpoint credential unreadable, flagging for reauth",
				slog.String("endpoint_id", string(endpointID)),
			)
			if markErr := r.dir.MarkEndpointNeedsReauth(ctx, endpointID); markErr != nil {
				r.log.Error("flagging endpoint for reauth", sl.Err(markErr))
			}
		}
		return "", err
	}
	return token, nil
}
