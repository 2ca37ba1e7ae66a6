// Package translate converts provider wire dialects to the canonical
// streaming model: per-dialect chunk decoders, stream state machines, and the
// tool-call assembler that reassembles piecewise tool-call arguments.
package translate

import (
	"encoding/json"
	"sort"

	"github.com/synaxis-dev/synaxis/internal/providers"
	"github.com/synaxis-dev/synaxis/pkg/apierr"
)

// pendingCall accumulates one tool call streamed across chunks.
type pendingCall struct {
	id   string
	name string
	args []byte
	done bool
}

// complete reports whether the accumulated argument bytes form valid JSON.
// OpenAI streams arguments as string fragments that only parse once the
// closing bracket arrives, so validity doubles as the completion signal.
func (p *pendingCall) complete() bool {
	if len(p.args) == 0 {
		return false
	}
	return json.Valid(p.args)
}

// ToolCallAssembler buffers tool-call fragments per tool-call index until the
// argument JSON balances, then releases a finalized canonical call.
//
// One assembler serves one stream; it is not safe for concurrent use.
type ToolCallAssembler struct {
	calls map[int]*pendingCall
}

// NewToolCallAssembler creates an empty assembler.
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{calls: make(map[int]*pendingCall)}
}

// Feed absorbs one fragment for the tool call at index. When the fragment
// completes the call's argument JSON, the finalized call is returned;
// otherwise Feed returns nil and the fragment stays buffered.
func (a *ToolCallAssembler) Feed(index int, id, name, argsFragment string) *providers.ToolCall {
	p := a.calls[index]
	if p == nil {
		p = &pendingCall{}
		a.calls[index] = p
	}
	if p.done {
		return nil
	}
	if id != "" {
		p.id = id
	}
	if name != "" {
		p.name = name
	}
	if argsFragment != "" {
		p.args = append(p.args, argsFragment...)
	}

	if !p.complete() {
		return nil
	}
	p.done = true
	return &providers.ToolCall{
		ID:        p.id,
		Name:      p.name,
		Arguments: json.RawMessage(append([]byte(nil), p.args...)),
	}
}

// Flush releases every buffered call, in index order. Calls whose arguments
// never balanced produce a ToolCallParseError; complete-but-unreleased calls
// (empty-argument calls closed by the finish signal) are finalized with an
// empty object.
func (a *ToolCallAssembler) Flush() ([]providers.ToolCall, error) {
	if len(a.calls) == 0 {
		return nil, nil
	}

	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var out []providers.ToolCall
	for _, i := range indexes {
		p := a.calls[i]
		if p.done {
			continue
		}
		if len(p.args) == 0 {
			p.done = true
			out = append(out, providers.ToolCall{
				ID:        p.id,
				Name:      p.name,
				Arguments: json.RawMessage(`{}`),
			})
			continue
		}
		if !p.complete() {
			return nil, apierr.New(apierr.KindToolCallParseError,
				"tool call %q: stream ended with unbalanced arguments", p.name)
		}
		p.done = true
		out = append(out, providers.ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(append([]byte(nil), p.args...)),
		})
	}
	return out, nil
}

// Pending reports whether any call is still buffering.
func (a *ToolCallAssembler) Pending() bool {
	for _, p := range a.calls {
		if !p.done {
			return true
		}
	}
	return false
}
