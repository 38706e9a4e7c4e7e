package llm

import (
	"encoding/json"
	"strings"
)

// toolAccumulator buffers tool-call arguments delivered as fragmented
// partial JSON. Fragments are concatenated strictly in arrival order;
// nothing is re-ordered or deduplicated.
type toolAccumulator struct {
	open map[int]*bufferedToolCall // block index -> in-flight call
}

// bufferedToolCall accumulates one tool call's argument fragments.
type bufferedToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{
		open: make(map[int]*bufferedToolCall),
	}
}

// Open starts an accumulator for the given content block with an empty
// argument buffer. A second Open for the same index resets it.
func (a *toolAccumulator) Open(index int, id, name string) {
	a.open[index] = &bufferedToolCall{id: id, name: name}
}

// Append adds a raw partial-JSON fragment to the open accumulator for
// the block. Fragments for unopened blocks are ignored.
func (a *toolAccumulator) Append(index int, fragment string) {
	if tc, ok := a.open[index]; ok {
		tc.arguments.WriteString(fragment)
	}
}

// IsOpen reports whether a tool accumulator is open for the block.
func (a *toolAccumulator) IsOpen(index int) bool {
	_, ok := a.open[index]
	return ok
}

// Close finalizes the block's accumulator: the concatenated buffer is
// parsed as one JSON value. On success it returns the completed
// invocation; on parse failure it returns ok=false and the invocation
// must be dropped without failing the turn. Either way the accumulator
// for the block is removed.
func (a *toolAccumulator) Close(index int) (ToolInvocation, bool) {
	tc, open := a.open[index]
	if !open {
		return ToolInvocation{}, false
	}
	delete(a.open, index)

	raw := tc.arguments.String()
	if raw == "" {
		// Tools without arguments stream no fragments at all.
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		return ToolInvocation{}, false
	}

	return ToolInvocation{
		ID:         tc.id,
		Name:       tc.name,
		Parameters: []byte(raw),
	}, true
}
