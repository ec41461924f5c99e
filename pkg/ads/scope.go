// Copyright 2025 Certen Protocol
//
// Database-backed transaction scope for the ADS service

package ads

import (
	"context"
	"fmt"

	"github.com/certen/vapp-engine/pkg/database"
	"github.com/certen/vapp-engine/pkg/imt"
)

// DatabaseScope binds ADS operations to Postgres. Mutate wraps fn in a
// transaction whose repositories share the tx; View runs on the pooled
// connection without a transaction, so each of its statements (including
// the audit append of a proof call) commits on its own.
type DatabaseScope struct {
	client *database.Client
}

// NewDatabaseScope creates a scope over a database client.
func NewDatabaseScope(client *database.Client) *DatabaseScope {
	return &DatabaseScope{client: client}
}

// Mutate runs fn inside one database transaction.
func (s *DatabaseScope) Mutate(ctx context.Context, fn func(st imt.Store, audit AuditLog) error) error {
	tx, err := s.client.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin ads transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(database.NewIMTRepository(tx), database.NewAuditRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ads transaction: %w", err)
	}
	return nil
}

// View runs fn on the pooled connection.
func (s *DatabaseScope) View(ctx context.Context, fn func(st imt.Store, audit AuditLog) error) error {
	return fn(database.NewIMTRepository(s.client), database.NewAuditRepository(s.client))
}

var _ TxScope = (*DatabaseScope)(nil)
