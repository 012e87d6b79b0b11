package dispatch

import (
	"fmt"

	"github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
)

// RoundStatus reports the progress of a round of sub-operations.
type RoundStatus int

const (
	RoundPending RoundStatus = iota
	RoundComplete
	RoundError
)

// String returns the status name.
func (s RoundStatus) String() string {
	switch s {
	case RoundPending:
		return "pending"
	case RoundComplete:
		return "complete"
	case RoundError:
		return "error"
	default:
		return "unknown"
	}
}

type issued struct {
	target Target
	handle SubHandle
	folded bool
	result plugin.SubResult
}

// Round is one batch of sub-operations issued together.
type Round struct {
	host      Host
	ops       []issued
	remaining int
	done      bool
}

// StartRound issues every sub-operation queued on ctx. All targets are
// validated before anything is issued. If the host refuses any of them the
// whole round fails.
func StartRound(host Host, ctx *plugin.Context) (*Round, error) {
	queued := ctx.BeginRound()
	if len(queued) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no sub-operations queued", errors.ErrPluginLogic),
			"Round", "StartRound", "collect queued sub-operations")
	}

	ops := make([]issued, len(queued))
	for i, op := range queued {
		target, err := ParseTarget(op.Target)
		if err != nil {
			return nil, invalidTarget(err)
		}
		ops[i].target = target
	}

	for i, op := range queued {
		h, err := host.IssueSubOperation(ops[i].target, op.Payload)
		if err != nil {
			return nil, errors.Wrap(fmt.Errorf("%w: %s: %w", errors.ErrSubOperation, ops[i].target, err),
				"Round", "StartRound", "issue sub-operation")
		}
		ops[i].handle = h
	}

	return &Round{
		host:      host,
		ops:       ops,
		remaining: len(ops),
	}, nil
}

// Len returns the number of sub-operations in the round.
func (r *Round) Len() int {
	return len(r.ops)
}

// Check folds in every sub-operation that has completed since the last call.
// A completed handle is collected exactly once. When the last one is in the
// results are stored on ctx in submission order and RoundComplete is
// returned; calling Check again after that does nothing.
func (r *Round) Check(ctx *plugin.Context) (RoundStatus, error) {
	if r.done {
		return RoundComplete, nil
	}

	for i := range r.ops {
		op := &r.ops[i]
		if op.folded || !r.host.IsComplete(op.handle) {
			continue
		}
		res, err := r.host.CollectResult(op.handle)
		if err != nil {
			return RoundError, errors.Wrap(fmt.Errorf("%w: %s: %w", errors.ErrSubOperation, op.target, err),
				"Round", "Check", "collect sub-operation result")
		}
		op.result = res
		op.folded = true
		r.remaining--
	}

	if r.remaining > 0 {
		return RoundPending, nil
	}

	results := make([]plugin.SubResult, len(r.ops))
	for i := range r.ops {
		results[i] = r.ops[i].result
	}
	ctx.FinishRound(results)
	r.done = true
	return RoundComplete, nil
}
