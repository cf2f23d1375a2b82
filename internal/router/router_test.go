package router

import "testing"

func TestResolveWriteExclusivity(t *testing.T) {
	kinds := []EntityKind{
		EntityRawEvent,
		EntityAggregate,
		EntityLine,
		EntityMachine,
		EntityPart,
		EntityPlan,
		EntityWorkCalendar,
		EntityLineAccess,
		EntityCardSetting,
	}

	for _, kind := range kinds {
		read := Resolve(kind, OpRead)
		write := Resolve(kind, OpWrite)

		if read != write {
			t.Errorf("kind %s resolves to %s for reads but %s for writes", kind, read, write)
		}
		if kind == EntityRawEvent {
			if write != BackendLedger {
				t.Errorf("raw events must write to the ledger, got %s", write)
			}
			continue
		}
		if write != BackendLocal {
			t.Errorf("kind %s must write to the local store, got %s", kind, write)
		}
	}
}

func TestAllowSchemaChange(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		kind    EntityKind
		want    bool
	}{
		{"aggregate on local", BackendLocal, EntityAggregate, true},
		{"aggregate on ledger", BackendLedger, EntityAggregate, false},
		{"raw event on ledger", BackendLedger, EntityRawEvent, true},
		{"raw event on local", BackendLocal, EntityRawEvent, false},
		{"line on local", BackendLocal, EntityLine, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllowSchemaChange(tt.backend, tt.kind); got != tt.want {
				t.Errorf("AllowSchemaChange(%s, %s) = %v, want %v", tt.backend, tt.kind, got, tt.want)
			}
		})
	}
}

func TestAllowRelation(t *testing.T) {
	if got := AllowRelation(EntityLine, EntityPlan); got != RelationFull {
		t.Errorf("local/local relation = %v, want RelationFull", got)
	}
	if got := AllowRelation(EntityRawEvent, EntityPlan); got != RelationAppJoin {
		t.Errorf("ledger/local relation = %v, want RelationAppJoin", got)
	}
	if got := AllowRelation(EntityRawEvent, EntityRawEvent); got != RelationFull {
		t.Errorf("ledger/ledger relation = %v, want RelationFull", got)
	}
}

func TestBackendsForRejectsForeignSchemaChange(t *testing.T) {
	b := NewBackends(nil, nil)

	if _, err := b.SchemaChange(BackendLocal, EntityAggregate); err != nil {
		t.Errorf("schema change on owning backend should be allowed: %v", err)
	}
	if _, err := b.SchemaChange(BackendLedger, EntityAggregate); err == nil {
		t.Error("expected schema change on ledger for a locally owned kind to be rejected")
	}
	if _, err := b.SchemaChange(BackendLocal, EntityRawEvent); err == nil {
		t.Error("expected schema change on local store for the raw-event kind to be rejected")
	}
	if _, err := b.Ledger(EntityAggregate); err == nil {
		t.Error("expected error requesting ledger handle for locally owned kind")
	}
	if _, err := b.Local(EntityRawEvent); err == nil {
		t.Error("expected error requesting local handle for ledger-owned kind")
	}
}
