// Package resolver orchestrates the memory lifecycle state machine:
// judged writes, confirm/revoke transitions, slot exclusivity, and hard
// deletes. Every check-then-act sequence runs inside a single storage
// transaction so concurrent confirms for the same slot serialize instead of
// both observing a free slot.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/keepsake-ai/keepsake/internal/events"
	"github.com/keepsake-ai/keepsake/internal/judge"
	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/pkg/types"
)

// PolicyDeniedError reports a write rejected by the judge. Distinct from
// validation failures: the payload was well-formed but not memorable.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("write denied by policy: %s", e.Reason)
}

// IsPolicyDenied reports whether err is a judge denial.
func IsPolicyDenied(err error) bool {
	var pd *PolicyDeniedError
	return errors.As(err, &pd)
}

// WriteRequest is one proposed memory write.
type WriteRequest struct {
	Type       types.ItemType
	Key        string
	Content    string
	Tags       []string
	TTLSeconds *int64
	Scope      types.ScopeLevel
	SourceType types.SourceType
	SourceRef  string
	Confidence *float64
	ExpiresAt  *int64
	// Temporary marks content the caller wants used but never memorized.
	Temporary bool
}

// WriteOutcome reports what happened to a write request.
type WriteOutcome struct {
	// Skipped is true for temporary content; nothing was stored.
	Skipped bool
	Existed bool
	ID      int64
	Status  types.ItemStatus
}

// Resolver is the lifecycle engine. It owns no locks itself; atomicity comes
// from running each transition inside one Store.Resolve transaction.
type Resolver struct {
	store storage.Store
	judge judge.Judge
	sink  events.Sink
	log   zerolog.Logger

	// onChange is invoked after any mutation that can affect rendered
	// recall output for the scope, e.g. to drop a cached profile.
	onChange func(types.Scope)

	now func() int64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithChangeHook registers fn to run after every successful mutation.
func WithChangeHook(fn func(types.Scope)) Option {
	return func(r *Resolver) { r.onChange = fn }
}

// New builds a Resolver. A nil sink disables event emission.
func New(store storage.Store, j judge.Judge, sink events.Sink, log zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		judge: j,
		sink:  sink,
		log:   log,
		now:   func() int64 { return time.Now().Unix() },
	}
	if r.sink == nil {
		r.sink = events.Noop{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) changed(scope types.Scope) {
	if r.onChange != nil {
		r.onChange(scope)
	}
}

// Write runs a proposed write through the judge and stores it at the
// resulting initial status. Slot-type items always land as candidates;
// activation is Confirm's job. Emits one memory.write event per successful
// write, fire-and-forget.
func (r *Resolver) Write(ctx context.Context, scope types.Scope, req WriteRequest) (WriteOutcome, error) {
	var out WriteOutcome
	if !scope.Valid() {
		return out, fmt.Errorf("%w: tenant and persona are required", storage.ErrInvalidInput)
	}
	if !req.Type.Valid() {
		return out, fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, req.Type)
	}
	if req.Key == "" || req.Content == "" {
		return out, fmt.Errorf("%w: key and content are required", storage.ErrInvalidInput)
	}
	if req.Scope != "" && !req.Scope.Valid() {
		return out, fmt.Errorf("%w: unknown scope level %q", storage.ErrInvalidInput, req.Scope)
	}
	if req.SourceType != "" && !req.SourceType.Valid() {
		return out, fmt.Errorf("%w: unknown source type %q", storage.ErrInvalidInput, req.SourceType)
	}
	if req.Temporary {
		return WriteOutcome{Skipped: true}, nil
	}

	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = types.SourceUserExplicit
	}

	verdict := r.judge.Judge(judge.Draft{Content: req.Content, SourceType: sourceType})
	if verdict.Decision == judge.Deny {
		r.log.Info().
			Str("tenant", scope.TenantID).
			Str("persona", scope.PersonaID).
			Str("reason", verdict.Reason).
			Msg("judge.deny")
		return out, &PolicyDeniedError{Reason: verdict.Reason}
	}

	item := &types.MemoryItem{
		Type:       req.Type,
		Key:        req.Key,
		Content:    req.Content,
		Tags:       req.Tags,
		TTLSeconds: req.TTLSeconds,
		Status:     judge.InitialStatus(verdict, req.Type),
		Scope:      req.Scope,
		SourceType: sourceType,
		SourceRef:  req.SourceRef,
		Confidence: req.Confidence,
		ExpiresAt:  req.ExpiresAt,
	}
	res, err := r.store.WriteMemory(ctx, scope, item)
	if err != nil {
		return out, err
	}

	r.sink.Emit(events.New("memory.write", scope, r.now(), map[string]interface{}{
		"id":      res.ID,
		"type":    string(req.Type),
		"key":     req.Key,
		"status":  string(item.Status),
		"existed": res.Existed,
	}))
	r.changed(scope)

	return WriteOutcome{Existed: res.Existed, ID: res.ID, Status: item.Status}, nil
}

// Confirm transitions a candidate to active. For slot types the exclusivity
// invariant is enforced here: when a different active holder exists the
// caller must name it via supersedesID (or the item must already carry the
// link), and the holder is revoked in the same transaction the item goes
// active. Confirming an already-settled item is an idempotent no-op.
func (r *Resolver) Confirm(ctx context.Context, scope types.Scope, id int64, supersedesID *int64) (storage.ConfirmResult, error) {
	var result storage.ConfirmResult
	err := r.store.Resolve(ctx, scope, func(tx storage.ResolverTx) error {
		item, err := tx.GetItem(id)
		if err != nil {
			return err
		}

		if item.Status != types.StatusCandidate {
			result = storage.ConfirmResult{
				Updated:      false,
				Status:       string(item.Status),
				SupersedesID: item.SupersedesID,
			}
			return nil
		}

		// The caller-supplied reference wins over one stored on the item.
		supersedes := supersedesID
		if supersedes == nil {
			supersedes = item.SupersedesID
		}

		var superseded *int64
		if item.Type.IsSlot() {
			holder, err := tx.ActiveHolder(item.Type, item.ID)
			if err != nil {
				return err
			}
			switch {
			case holder != nil:
				if supersedes == nil || *supersedes != holder.ID {
					return storage.ErrConflictRequiresSupersedes
				}
				superseded = &holder.ID
			case supersedes != nil:
				// Nothing to supersede; a dangling reference is a conflict,
				// not a silent success.
				return storage.ErrConflictRequiresSupersedes
			}
		}

		if superseded != nil {
			if err := tx.MarkRevoked(*superseded); err != nil {
				return err
			}
		}
		if err := tx.MarkActive(item.ID, superseded); err != nil {
			return err
		}

		if item.Type.IsSlot() {
			err := tx.UpsertSlot(
				string(item.Type),
				types.EncodeSlotValue(item.Content),
				types.EncodeSlotProvenance(item.ID, superseded),
			)
			if err != nil {
				return err
			}
		}

		result = storage.ConfirmResult{
			Updated:      true,
			Status:       string(types.StatusActive),
			SupersedesID: superseded,
		}
		return nil
	})
	if err != nil {
		return storage.ConfirmResult{}, err
	}
	if result.Updated {
		r.changed(scope)
	}
	return result, nil
}

// Revoke terminally retires an item. Revoking an already-revoked item is an
// idempotent no-op. Revoking an active slot holder leaves the slot without a
// holder; the previously superseded item is not reinstated.
func (r *Resolver) Revoke(ctx context.Context, scope types.Scope, id int64) (storage.RevokeResult, error) {
	var result storage.RevokeResult
	err := r.store.Resolve(ctx, scope, func(tx storage.ResolverTx) error {
		item, err := tx.GetItem(id)
		if err != nil {
			return err
		}
		if item.Status == types.StatusRevoked {
			result = storage.RevokeResult{Updated: false, Status: string(item.Status)}
			return nil
		}
		if err := tx.MarkRevoked(item.ID); err != nil {
			return err
		}
		result = storage.RevokeResult{Updated: true, Status: string(types.StatusRevoked)}
		return nil
	})
	if err != nil {
		return storage.RevokeResult{}, err
	}
	if result.Updated {
		r.changed(scope)
	}
	return result, nil
}

// Forget hard-deletes by (type, key), bypassing the state machine entirely.
// Returns the number of rows removed; forgetting nothing is not an error.
func (r *Resolver) Forget(ctx context.Context, scope types.Scope, itemType types.ItemType, key string) (int64, error) {
	if !itemType.Valid() {
		return 0, fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, itemType)
	}
	if key == "" {
		return 0, fmt.Errorf("%w: key is required", storage.ErrInvalidInput)
	}
	n, err := r.store.ForgetMemory(ctx, scope, itemType, key)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.changed(scope)
	}
	return n, nil
}
