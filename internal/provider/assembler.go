package provider

import (
	"encoding/json"
	"strings"
	"time"
)

// streamAssembler builds the final assistant message from streamed
// block events and forwards chunks to the callback. Tool-call
// arguments accumulate in a buffer attached to the open tool-use
// block; only at the block's stop event is the buffer parsed as JSON
// and exposed as tool_input, with the empty object on parse failure.
// Exactly one stop chunk is emitted per stream.
type streamAssembler struct {
	cb       StreamCallback
	response CompletionResponse

	openBlock *ContentBlock
	toolArgs  strings.Builder
	stopped   bool
}

func newStreamAssembler(cb StreamCallback) *streamAssembler {
	return &streamAssembler{
		cb: cb,
		response: CompletionResponse{
			Message: Message{Role: RoleAssistant, CreatedAt: time.Now()},
		},
	}
}

func (a *streamAssembler) emit(c StreamChunk) {
	if a.cb != nil {
		a.cb(c)
	}
}

func (a *streamAssembler) startText() {
	a.closeBlock()
	a.openBlock = &ContentBlock{Type: "text"}
}

func (a *streamAssembler) startThinking() {
	a.closeBlock()
	a.openBlock = &ContentBlock{Type: "thinking"}
}

func (a *streamAssembler) startToolUse(id, name string) {
	a.closeBlock()
	a.openBlock = &ContentBlock{Type: "tool_use", ToolUseID: id, ToolName: name}
	a.toolArgs.Reset()
	a.emit(StreamChunk{Type: "tool_use", ToolUseID: id, ToolName: name})
}

func (a *streamAssembler) textDelta(text string) {
	if text == "" {
		return
	}
	if a.openBlock == nil || a.openBlock.Type != "text" {
		a.startText()
	}
	a.openBlock.Text += text
	a.emit(StreamChunk{Type: "text", Text: text})
}

func (a *streamAssembler) thinkingDelta(text string) {
	if text == "" {
		return
	}
	if a.openBlock == nil || a.openBlock.Type != "thinking" {
		a.startThinking()
	}
	a.openBlock.Text += text
	a.emit(StreamChunk{Type: "thinking", Text: text})
}

func (a *streamAssembler) toolInputDelta(fragment string) {
	if a.openBlock == nil || a.openBlock.Type != "tool_use" {
		return
	}
	a.toolArgs.WriteString(fragment)
}

// stopBlock finalizes the open block. A completing tool-use block
// parses its argument buffer and emits a second tool_use chunk with
// the parsed input.
func (a *streamAssembler) stopBlock() {
	if a.openBlock == nil {
		return
	}
	if a.openBlock.Type == "tool_use" {
		a.openBlock.ToolInput = parseToolInput(a.toolArgs.String())
		a.toolArgs.Reset()
		a.emit(StreamChunk{
			Type:      "tool_use",
			ToolUseID: a.openBlock.ToolUseID,
			ToolName:  a.openBlock.ToolName,
			ToolInput: a.openBlock.ToolInput,
		})
	}
	a.response.Message.Content = append(a.response.Message.Content, *a.openBlock)
	a.openBlock = nil
}

func (a *streamAssembler) closeBlock() {
	if a.openBlock != nil {
		a.stopBlock()
	}
}

// finish closes any dangling block and emits the single stop chunk.
func (a *streamAssembler) finish() {
	a.closeBlock()
	if a.stopped {
		return
	}
	a.stopped = true
	a.emit(StreamChunk{Type: "stop"})
}

func (a *streamAssembler) result() *CompletionResponse {
	a.finish()
	return &a.response
}

// parseToolInput validates the accumulated argument buffer as a JSON
// object, degrading to {} when the buffer is empty or malformed.
func parseToolInput(buf string) json.RawMessage {
	buf = strings.TrimSpace(buf)
	if buf == "" {
		return json.RawMessage("{}")
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(buf), &probe); err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(buf)
}
