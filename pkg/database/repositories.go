// Copyright 2025 Certen Protocol
//
// Repositories - Convenience wrapper for all database repositories
// Provides a single point of access to all repository types

package database

// Repositories holds all repository instances
type Repositories struct {
	Transactions *TransactionRepository
	Batches      *BatchRepository
	IMT          *IMTRepository   // Bound to the pooled connection; mutation paths rebind to a *sql.Tx
	Audit        *AuditRepository // Bound to the pooled connection; mutation paths rebind to a *sql.Tx
}

// NewRepositories creates all repositories with the given client
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Transactions: NewTransactionRepository(client),
		Batches:      NewBatchRepository(client),
		IMT:          NewIMTRepository(client),
		Audit:        NewAuditRepository(client),
	}
}
