package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepsake-ai/keepsake/internal/events"
	"github.com/keepsake-ai/keepsake/internal/judge"
	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/internal/storage/sqlite"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) { s.events = append(s.events, e) }
func (s *recordingSink) Close() error        { return nil }

func newTestResolver(t *testing.T) (*Resolver, storage.Store, *recordingSink) {
	t.Helper()
	store, err := sqlite.New(":memory:", 1000, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sink := &recordingSink{}
	r := New(store, judge.NewRules(0, judge.StrictDenyPolicy{}), sink, zerolog.Nop())
	return r, store, sink
}

func testScope() types.Scope {
	return types.Scope{TenantID: "acme", PersonaID: "assistant"}
}

func TestWriteJudgedStatuses(t *testing.T) {
	r, store, sink := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	// Explicit non-exclusive content goes live immediately.
	out, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "f1", Content: "likes jazz"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, out.Status)
	assert.False(t, out.Existed)

	// Inferred content always lands as candidate.
	out, err = r.Write(ctx, scope, WriteRequest{
		Type: types.TypeFact, Key: "f2", Content: "maybe likes blues",
		SourceType: types.SourceModelInferred,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCandidate, out.Status)

	// Slot types stay candidate even for explicit content.
	out, err = r.Write(ctx, scope, WriteRequest{Type: types.TypeIdentity, Key: "self", Content: "A jazz historian"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCandidate, out.Status)

	got, err := store.GetMemoryByID(ctx, scope, out.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCandidate, got.Status)

	assert.Len(t, sink.events, 3)
	assert.Equal(t, "memory.write", sink.events[0].Name)
	assert.Equal(t, scope.TenantID, sink.events[0].TenantID)
}

func TestWritePolicyDenied(t *testing.T) {
	r, _, sink := newTestResolver(t)

	_, err := r.Write(context.Background(), testScope(), WriteRequest{
		Type: types.TypeFact, Key: "k", Content: "my password is hunter2",
	})
	require.Error(t, err)
	assert.True(t, IsPolicyDenied(err))
	assert.Empty(t, sink.events, "denied writes emit no event")
}

func TestWriteTemporarySkipped(t *testing.T) {
	r, store, sink := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	out, err := r.Write(ctx, scope, WriteRequest{
		Type: types.TypeNote, Key: "scratch", Content: "one-off detail", Temporary: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Zero(t, out.ID)

	items, err := store.ListMemory(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, sink.events)
}

func TestWriteValidation(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	_, err := r.Write(ctx, scope, WriteRequest{Type: "bogus", Key: "k", Content: "c"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "", Content: "c"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "k", Content: "c", SourceType: "psychic"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestConfirmSlotLifecycle(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	// First preferences item confirms without a supersedes reference.
	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypePreferences, Key: "k", Content: "A"})
	require.NoError(t, err)

	res, err := r.Confirm(ctx, scope, a.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "active", res.Status)
	assert.Nil(t, res.SupersedesID)

	// A competing candidate cannot confirm without naming the holder.
	b, err := r.Write(ctx, scope, WriteRequest{Type: types.TypePreferences, Key: "k2", Content: "B"})
	require.NoError(t, err)

	_, err = r.Confirm(ctx, scope, b.ID, nil)
	assert.ErrorIs(t, err, storage.ErrConflictRequiresSupersedes)

	// Naming the wrong holder is also a conflict.
	wrong := a.ID + 100
	_, err = r.Confirm(ctx, scope, b.ID, &wrong)
	assert.ErrorIs(t, err, storage.ErrConflictRequiresSupersedes)

	// Naming the holder succeeds and revokes it in the same transition.
	res, err = r.Confirm(ctx, scope, b.ID, &a.ID)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	require.NotNil(t, res.SupersedesID)
	assert.Equal(t, a.ID, *res.SupersedesID)

	gotA, err := store.GetMemoryByID(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRevoked, gotA.Status)

	gotB, err := store.GetMemoryByID(ctx, scope, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, gotB.Status)
	require.NotNil(t, gotB.SupersedesID)
	assert.Equal(t, a.ID, *gotB.SupersedesID)

	// The slot projects the winner's content with full provenance.
	slots, err := store.GetSlots(ctx, scope)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "preferences", slots[0].SlotName)

	var value types.SlotValue
	require.NoError(t, json.Unmarshal([]byte(slots[0].ValueJSON), &value))
	assert.Equal(t, "B", value.Text)

	var prov types.SlotProvenance
	require.NoError(t, json.Unmarshal([]byte(slots[0].ProvenanceJSON), &prov))
	assert.Equal(t, b.ID, prov.MemoryID)
	require.NotNil(t, prov.SupersedesID)
	assert.Equal(t, a.ID, *prov.SupersedesID)
}

func TestConfirmIdempotent(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeValues, Key: "k", Content: "honesty"})
	require.NoError(t, err)

	first, err := r.Confirm(ctx, scope, a.ID, nil)
	require.NoError(t, err)
	assert.True(t, first.Updated)

	second, err := r.Confirm(ctx, scope, a.ID, nil)
	require.NoError(t, err)
	assert.False(t, second.Updated)
	assert.Equal(t, "active", second.Status)
}

func TestConfirmSupersedesWithoutHolder(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeIdentity, Key: "k", Content: "someone"})
	require.NoError(t, err)

	// Supplying a supersedes reference when the slot is empty is a conflict.
	ghost := int64(999)
	_, err = r.Confirm(ctx, scope, a.ID, &ghost)
	assert.ErrorIs(t, err, storage.ErrConflictRequiresSupersedes)
}

func TestConfirmNotFound(t *testing.T) {
	r, _, _ := newTestResolver(t)
	_, err := r.Confirm(context.Background(), testScope(), 12345, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConfirmCrossTenantIsNotFound(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	a, err := r.Write(ctx, testScope(), WriteRequest{Type: types.TypeFact, Key: "k", Content: "acme fact", SourceType: types.SourceModelInferred})
	require.NoError(t, err)

	other := types.Scope{TenantID: "globex", PersonaID: "assistant"}
	_, err = r.Confirm(ctx, other, a.ID, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConfirmNonExclusiveIgnoresOthers(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	// Two active facts of the same type coexist; no conflict machinery.
	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "k1", Content: "fact one"})
	require.NoError(t, err)
	b, err := r.Write(ctx, scope, WriteRequest{
		Type: types.TypeFact, Key: "k2", Content: "fact two", SourceType: types.SourceModelInferred,
	})
	require.NoError(t, err)

	res, err := r.Confirm(ctx, scope, b.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Updated)

	items, err := store.ListMemory(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	gotA, err := store.GetMemoryByID(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, gotA.Status)
}

func TestRevokeTerminalIdempotent(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "k", Content: "obsolete"})
	require.NoError(t, err)

	first, err := r.Revoke(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.True(t, first.Updated)
	assert.Equal(t, "revoked", first.Status)

	second, err := r.Revoke(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.False(t, second.Updated)
	assert.Equal(t, "revoked", second.Status)
}

func TestRevokeHolderDoesNotReinstate(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeConstraints, Key: "k1", Content: "no meetings"})
	require.NoError(t, err)
	_, err = r.Confirm(ctx, scope, a.ID, nil)
	require.NoError(t, err)

	b, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeConstraints, Key: "k2", Content: "mornings only"})
	require.NoError(t, err)
	_, err = r.Confirm(ctx, scope, b.ID, &a.ID)
	require.NoError(t, err)

	// Revoking the winner leaves the slot without a holder; the loser stays revoked.
	_, err = r.Revoke(ctx, scope, b.ID)
	require.NoError(t, err)

	gotA, err := store.GetMemoryByID(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRevoked, gotA.Status)

	// A fresh candidate now confirms with no supersedes reference.
	c, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeConstraints, Key: "k3", Content: "flexible"})
	require.NoError(t, err)
	res, err := r.Confirm(ctx, scope, c.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Updated)
}

func TestForgetVsRevoke(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "keep", Content: "revoked but kept"})
	require.NoError(t, err)
	b, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "gone", Content: "erased entirely"})
	require.NoError(t, err)

	_, err = r.Revoke(ctx, scope, a.ID)
	require.NoError(t, err)
	got, err := store.GetMemoryByID(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRevoked, got.Status, "revoke keeps the row")

	n, err := r.Forget(ctx, scope, types.TypeFact, "gone")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = store.GetMemoryByID(ctx, scope, b.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "forget removes the row")
}

func TestExclusivityInvariantUnderSequentialConfirms(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	// Chain of supersessions; after each step exactly one active holder.
	var holder int64
	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		out, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeIdentity, Key: key, Content: "revision " + key})
		require.NoError(t, err)

		var supersedes *int64
		if holder != 0 {
			h := holder
			supersedes = &h
		}
		_, err = r.Confirm(ctx, scope, out.ID, supersedes)
		require.NoError(t, err)
		holder = out.ID

		items, err := store.ListMemory(ctx, scope)
		require.NoError(t, err)
		activeIdentity := 0
		for _, item := range items {
			if item.Type == types.TypeIdentity && item.Status == types.StatusActive {
				activeIdentity++
			}
		}
		assert.Equal(t, 1, activeIdentity, "step %d", i)
	}
}

func TestChangeHookFires(t *testing.T) {
	store, err := sqlite.New(":memory:", 1000, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var invalidated []types.Scope
	r := New(store, judge.NewRules(0, judge.StrictDenyPolicy{}), events.Noop{}, zerolog.Nop(),
		WithChangeHook(func(s types.Scope) { invalidated = append(invalidated, s) }))

	ctx := context.Background()
	scope := testScope()

	out, err := r.Write(ctx, scope, WriteRequest{Type: types.TypeFact, Key: "k", Content: "c"})
	require.NoError(t, err)
	_, err = r.Revoke(ctx, scope, out.ID)
	require.NoError(t, err)
	_, err = r.Forget(ctx, scope, types.TypeFact, "k")
	require.NoError(t, err)

	assert.Len(t, invalidated, 3)

	// A no-op mutation does not invalidate.
	invalidated = nil
	_, err = r.Forget(ctx, scope, types.TypeFact, "k")
	require.NoError(t, err)
	assert.Empty(t, invalidated)
}

func TestScenarioEndToEnd(t *testing.T) {
	r, store, _ := newTestResolver(t)
	ctx := context.Background()
	scope := testScope()

	a, err := r.Write(ctx, scope, WriteRequest{Type: types.TypePreferences, Key: "k", Content: "A"})
	require.NoError(t, err)
	_, err = r.Confirm(ctx, scope, a.ID, nil)
	require.NoError(t, err)

	b, err := r.Write(ctx, scope, WriteRequest{Type: types.TypePreferences, Key: "k2", Content: "B"})
	require.NoError(t, err)

	_, err = r.Confirm(ctx, scope, b.ID, nil)
	require.True(t, errors.Is(err, storage.ErrConflictRequiresSupersedes))

	res, err := r.Confirm(ctx, scope, b.ID, &a.ID)
	require.NoError(t, err)
	assert.True(t, res.Updated)

	gotA, err := store.GetMemoryByID(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRevoked, gotA.Status)

	slots, err := store.GetSlots(ctx, scope)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	var value types.SlotValue
	require.NoError(t, json.Unmarshal([]byte(slots[0].ValueJSON), &value))
	assert.Equal(t, "B", value.Text)
}
