// Package router decides, per entity kind, which physical database backend an
// operation targets. The legacy ledger owns the raw production events and
// nothing else; every other entity kind lives in the local store. Callers
// never hold a raw backend handle directly: they resolve one through
// Backends for each operation.
package router

import (
	"github.com/lineboard/lineboard/pkg/errors"
	"github.com/lineboard/lineboard/pkg/postgres"
)

// Backend identifies one of the two physical datastores.
type Backend string

const (
	BackendLedger Backend = "ledger"
	BackendLocal  Backend = "local"
)

// EntityKind names a logical entity managed by the platform.
type EntityKind string

const (
	EntityRawEvent     EntityKind = "result"
	EntityAggregate    EntityKind = "aggregate"
	EntityLine         EntityKind = "line"
	EntityMachine      EntityKind = "machine"
	EntityPart         EntityKind = "part"
	EntityPlan         EntityKind = "plan"
	EntityWorkCalendar EntityKind = "work_calendar"
	EntityLineAccess   EntityKind = "line_access"
	EntityCardSetting  EntityKind = "card_setting"
)

// Op is the class of database operation being routed.
type Op string

const (
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpSchemaChange Op = "schema_change"
)

// RelationMode describes how two entity kinds may be related.
type RelationMode int

const (
	// RelationDenied means the pair may not be related at all.
	RelationDenied RelationMode = iota
	// RelationAppJoin means the pair spans backends and may only be joined
	// at read time in application code, never as a database-level key.
	RelationAppJoin
	// RelationFull means both entities share a backend and any relation,
	// including foreign keys, is permitted.
	RelationFull
)

// Resolve returns the backend that owns the given entity kind for the given
// operation. The raw-event kind always resolves to the ledger, for reads and
// writes alike; everything else resolves to the local store.
func Resolve(kind EntityKind, op Op) Backend {
	if kind == EntityRawEvent {
		return BackendLedger
	}
	return BackendLocal
}

// Owner returns the backend that owns the entity kind's schema.
func Owner(kind EntityKind) Backend {
	return Resolve(kind, OpSchemaChange)
}

// AllowSchemaChange reports whether a schema change for the entity kind may
// run against the given backend. Schema changes are only ever permitted on
// the owning backend.
func AllowSchemaChange(backend Backend, kind EntityKind) bool {
	return Owner(kind) == backend
}

// AllowRelation classifies a relation between two entity kinds. Entities
// sharing a backend relate freely; a pair spanning the ledger and the local
// store may only be joined in application code at read time, since the two
// backends are physically distinct databases.
func AllowRelation(a, b EntityKind) RelationMode {
	if Owner(a) == Owner(b) {
		return RelationFull
	}
	return RelationAppJoin
}

// Backends resolves entity operations to one of two postgres clients. It is
// the only path from application code to a physical database handle.
type Backends struct {
	ledger *postgres.Client
	local  *postgres.Client
}

// NewBackends wires the two physical connections behind the router.
func NewBackends(ledger, local *postgres.Client) *Backends {
	return &Backends{ledger: ledger, local: local}
}

// For returns the client that should execute the given operation.
func (b *Backends) For(kind EntityKind, op Op) *postgres.Client {
	if Resolve(kind, op) == BackendLedger {
		return b.ledger
	}
	return b.local
}

// SchemaChange returns the client for a schema change explicitly targeted at
// the given backend, rejecting the request when that backend does not own the
// entity kind.
func (b *Backends) SchemaChange(backend Backend, kind EntityKind) (*postgres.Client, error) {
	if !AllowSchemaChange(backend, kind) {
		return nil, errors.Newf(errors.ErrInvalidInput, 400,
			"schema change for %s not permitted on %s", kind, backend)
	}
	if backend == BackendLedger {
		return b.ledger, nil
	}
	return b.local, nil
}

// Ledger returns the ledger client for the raw-event kind only. Any other
// kind is a routing violation.
func (b *Backends) Ledger(kind EntityKind) (*postgres.Client, error) {
	if Resolve(kind, OpRead) != BackendLedger {
		return nil, errors.Newf(errors.ErrInvalidInput, 400,
			"entity kind %s is not ledger-owned", kind)
	}
	return b.ledger, nil
}

// Local returns the local-store client for locally owned kinds.
func (b *Backends) Local(kind EntityKind) (*postgres.Client, error) {
	if Resolve(kind, OpRead) != BackendLocal {
		return nil, errors.Newf(errors.ErrInvalidInput, 400,
			"entity kind %s is not locally owned", kind)
	}
	return b.local, nil
}
