// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package registry is the catalog of database connections configured per
// project. Secrets are encrypted on every write and never leave the
// registry in plaintext; reads for display return a masked View.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
	"axonflow/tenantdb/vault"
)

// DefaultTier is used when a connection is created without a tier.
const DefaultTier = "free"

// Connection is the persisted connection record. SecretCiphertext holds the
// sealed credentials and is never serialized.
type Connection struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	Engine           base.Engine       `json:"engine"`
	Type             base.BackendType  `json:"type"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	Database         string            `json:"database"`
	Options          map[string]string `json:"options,omitempty"`
	Tier             string            `json:"tier"`
	SecretCiphertext []byte            `json:"-"`
	Health           base.HealthStatus `json:"health"`
	LastHealthCheck  *time.Time        `json:"last_health_check,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// View is the read model for listings and the health surface.
type View struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"project_id"`
	Engine          base.Engine       `json:"engine"`
	Type            base.BackendType  `json:"type"`
	Display         string            `json:"display"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Database        string            `json:"database"`
	Tier            string            `json:"tier"`
	Secret          string            `json:"secret"`
	Health          base.HealthStatus `json:"health"`
	LastHealthCheck *time.Time        `json:"last_health_check,omitempty"`
}

// MaskedSecret is what every View shows in place of credentials.
const MaskedSecret = "********"

// View returns the masked representation of c.
func (c *Connection) View() View {
	return View{
		ID:              c.ID,
		ProjectID:       c.ProjectID,
		Engine:          c.Engine,
		Type:            c.Type,
		Display:         string(c.Engine) + "://" + c.Host,
		Host:            c.Host,
		Port:            c.Port,
		Database:        c.Database,
		Tier:            c.Tier,
		Secret:          MaskedSecret,
		Health:          c.Health,
		LastHealthCheck: c.LastHealthCheck,
	}
}

// Input describes a connection to create. Credentials are plaintext and
// are sealed before anything is stored.
type Input struct {
	ProjectID   string            `json:"project_id"`
	Engine      base.Engine       `json:"engine"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Database    string            `json:"database"`
	Options     map[string]string `json:"options,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Credentials map[string]string `json:"credentials"`
}

func (in Input) validate() error {
	switch {
	case in.ProjectID == "":
		return apperr.Invalid("project_id is required")
	case in.Engine.BackendType() == "":
		return apperr.Invalid("unsupported engine %q", in.Engine)
	case in.Host == "":
		return apperr.Invalid("host is required")
	case in.Port < 0 || in.Port > 65535:
		return apperr.Invalid("port %d out of range", in.Port)
	case len(in.Credentials) == 0:
		return apperr.Invalid("credentials are required")
	}
	return nil
}

// SecretScope is the vault scope for a connection's credentials.
func SecretScope(connectionID string) string {
	return "connection/" + connectionID
}

// Storage persists connection records.
type Storage interface {
	Insert(ctx context.Context, c *Connection) error
	Get(ctx context.Context, id string) (*Connection, error)
	ListByProject(ctx context.Context, projectID string) ([]*Connection, error)
	ListAll(ctx context.Context) ([]*Connection, error)
	UpdateSecret(ctx context.Context, id string, ciphertext []byte, at time.Time) error
	UpdateHealth(ctx context.Context, id string, status base.HealthStatus, at time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteByProject(ctx context.Context, projectID string) ([]string, error)
}

// Registry manages connection records.
type Registry struct {
	store    Storage
	enc      vault.Encrypter
	now      func() time.Time
	newID    func() string
	onChange func(id string)
	log      *logger.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator injects connection id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithChangeHook is called after a connection's secret changes or the
// connection is deleted, so cached pools can be dropped.
func WithChangeHook(fn func(id string)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// New creates a Registry. It can encrypt but not decrypt.
func New(store Storage, enc vault.Encrypter, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		enc:   enc,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
		log:   logger.New("connection-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetChangeHook replaces the change hook after construction.
func (r *Registry) SetChangeHook(fn func(id string)) {
	r.onChange = fn
}

// Create seals the credentials and stores a new connection.
func (r *Registry) Create(ctx context.Context, in Input) (View, error) {
	if err := in.validate(); err != nil {
		return View{}, err
	}
	id := r.newID()
	sealed, err := r.seal(id, in.Credentials)
	if err != nil {
		return View{}, err
	}
	tier := in.Tier
	if tier == "" {
		tier = DefaultTier
	}
	now := r.now().UTC()
	c := &Connection{
		ID:               id,
		ProjectID:        in.ProjectID,
		Engine:           in.Engine,
		Type:             in.Engine.BackendType(),
		Host:             in.Host,
		Port:             in.Port,
		Database:         in.Database,
		Options:          in.Options,
		Tier:             tier,
		SecretCiphertext: sealed,
		Health:           base.Unknown,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.Insert(ctx, c); err != nil {
		return View{}, fmt.Errorf("store connection: %w", err)
	}
	r.log.Info("", "", "connection created", map[string]interface{}{
		"connection_id": id,
		"project_id":    in.ProjectID,
		"engine":        string(in.Engine),
	})
	return c.View(), nil
}

// UpdateSecret re-seals new credentials for an existing connection.
func (r *Registry) UpdateSecret(ctx context.Context, id string, credentials map[string]string) error {
	if len(credentials) == 0 {
		return apperr.Invalid("credentials are required")
	}
	if _, err := r.store.Get(ctx, id); err != nil {
		return err
	}
	sealed, err := r.seal(id, credentials)
	if err != nil {
		return err
	}
	if err := r.store.UpdateSecret(ctx, id, sealed, r.now().UTC()); err != nil {
		return fmt.Errorf("update secret: %w", err)
	}
	r.changed(id)
	return nil
}

// Get returns the masked view of one connection.
func (r *Registry) Get(ctx context.Context, id string) (View, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return c.View(), nil
}

// List returns the masked views of a project's connections.
func (r *Registry) List(ctx context.Context, projectID string) ([]View, error) {
	conns, err := r.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return views(conns), nil
}

// All returns every connection's masked view.
func (r *Registry) All(ctx context.Context) ([]View, error) {
	conns, err := r.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return views(conns), nil
}

// Sealed returns the full record including the still-encrypted secret.
// Only holders of a vault.Decrypter can do anything with it.
func (r *Registry) Sealed(ctx context.Context, id string) (*Connection, error) {
	return r.store.Get(ctx, id)
}

// RecordHealth stores the outcome of a health check.
func (r *Registry) RecordHealth(ctx context.Context, id string, status base.HealthStatus, at time.Time) error {
	return r.store.UpdateHealth(ctx, id, status, at.UTC())
}

// Delete removes one connection.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.changed(id)
	return nil
}

// DeleteProject removes every connection of a project.
func (r *Registry) DeleteProject(ctx context.Context, projectID string) (int, error) {
	ids, err := r.store.DeleteByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		r.changed(id)
	}
	return len(ids), nil
}

func (r *Registry) seal(id string, credentials map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	sealed, err := r.enc.Encrypt(plaintext, SecretScope(id))
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	return sealed, nil
}

func (r *Registry) changed(id string) {
	if r.onChange != nil {
		r.onChange(id)
	}
}

// OpenCredentials decrypts a record's secret. It requires a Decrypter, so
// only the connection manager and health checks can call it.
func OpenCredentials(dec vault.Decrypter, c *Connection) (map[string]string, error) {
	plaintext, err := dec.Decrypt(c.SecretCiphertext, SecretScope(c.ID))
	if err != nil {
		return nil, err
	}
	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, &apperr.DecryptionError{Scope: SecretScope(c.ID), Err: err}
	}
	return creds, nil
}

func views(conns []*Connection) []View {
	out := make([]View, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.View())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
