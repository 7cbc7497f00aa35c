package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/roach88/posync/internal/remote"
)

// Outcome is one scripted response of a ScriptedRemote.
type Outcome struct {
	// Err, if set, is returned instead of a confirmation.
	Err error

	// Block makes the call wait for its context to end and return ctx.Err().
	Block bool

	// Status is the confirmation status; empty means applied.
	Status string
}

// Applied is a successful outcome.
func Applied() Outcome { return Outcome{} }

// Transient is a retryable failure.
func Transient(msg string) Outcome {
	return Outcome{Err: &remote.StatusError{StatusCode: 503, Message: msg}}
}

// Permanent is an explicit rejection by the remote.
func Permanent(msg string) Outcome {
	return Outcome{Err: &remote.PermanentError{StatusCode: 422, Message: msg}}
}

// Blocking is a call that hangs until cancelled.
func Blocking() Outcome { return Outcome{Block: true} }

// Call records one request seen by a ScriptedRemote.
type Call struct {
	Kind string // "transaction" or "item"
	Key  string // idempotency key or item ID
}

// ScriptedRemote is an in-memory remote whose responses are scripted per
// call. Scripted outcomes are consumed in order; once exhausted every call
// gets the default outcome.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedRemote struct {
	mu       sync.Mutex
	script   []Outcome
	fallback Outcome
	offline  bool
	calls    []Call
}

// NewScriptedRemote creates an online remote that applies everything.
func NewScriptedRemote() *ScriptedRemote {
	return &ScriptedRemote{}
}

// Script appends outcomes for the next calls.
func (r *ScriptedRemote) Script(outcomes ...Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = append(r.script, outcomes...)
}

// SetDefault sets the outcome used once the script is exhausted.
func (r *ScriptedRemote) SetDefault(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = o
}

// SetOnline controls the Health probe. Offline also fails every call.
func (r *ScriptedRemote) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = !online
}

// Calls returns a copy of every request received so far.
func (r *ScriptedRemote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// SyncTransaction implements the engine's remote interface.
func (r *ScriptedRemote) SyncTransaction(ctx context.Context, req remote.TransactionRequest) (remote.Confirmation, error) {
	return r.respond(ctx, Call{Kind: "transaction", Key: req.IdempotencyKey})
}

// ProcessItem implements the engine's remote interface.
func (r *ScriptedRemote) ProcessItem(ctx context.Context, req remote.ItemRequest) (remote.Confirmation, error) {
	if !req.ItemType.Valid() {
		return remote.Confirmation{}, &remote.PermanentError{Message: "unsupported item type"}
	}
	return r.respond(ctx, Call{Kind: "item", Key: req.ItemID})
}

// Health implements the engine's remote interface.
func (r *ScriptedRemote) Health(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return errors.New("remote unreachable")
	}
	return nil
}

func (r *ScriptedRemote) respond(ctx context.Context, call Call) (remote.Confirmation, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	offline := r.offline
	out := r.fallback
	if len(r.script) > 0 {
		out = r.script[0]
		r.script = r.script[1:]
	}
	r.mu.Unlock()

	if offline {
		return remote.Confirmation{}, errors.New("remote unreachable")
	}
	if out.Block {
		<-ctx.Done()
		return remote.Confirmation{}, ctx.Err()
	}
	if out.Err != nil {
		return remote.Confirmation{}, out.Err
	}

	status := out.Status
	if status == "" {
		status = remote.StatusApplied
	}
	raw, _ := json.Marshal(map[string]string{"status": status, "reference": call.Key})
	return remote.Confirmation{Status: status, Reference: call.Key, Raw: raw}, nil
}
