package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional in-flight GORM
// transaction, letting a Store method either run standalone or participate
// in a caller-owned transaction without a second method signature.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background builds a standalone Context (no in-flight transaction) around
// context.Background(), for the places outside a request's own ctx where a
// Store call still has to happen — a StatusBus subscriber finalizing an
// Execution row, a deferred cleanup after the driving ctx has already been
// canceled.
func Background() Context {
	return Context{Ctx: context.Background()}
}

// InTx reports whether c is participating in a caller-owned transaction.
func (c Context) InTx() bool {
	return c.Tx != nil
}
