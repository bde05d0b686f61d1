package runtime

import (
	"fmt"
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/flowrite/flowrite/internal/agent/events"
)

// fallbackToolTitle names tool-call updates that arrive before their
// creation notification.
const fallbackToolTitle = "tool"

// translate converts one protocol notification into at most one UI event,
// updating the stream's coalescing state as a side effect. Unrecognized
// update kinds return ok=false and are dropped without failing the stream.
func translate(n acp.SessionNotification, stream *promptStream) (events.Event, bool) {
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		stream.updates.Add(1)
		if u.AgentMessageChunk.Content.Text != nil {
			if u.AgentMessageChunk.Content.Text.Text != "" {
				stream.sawVisible.Store(true)
			}
			return events.Event{
				Type: events.EventTypeMessageChunk,
				Text: u.AgentMessageChunk.Content.Text.Text,
			}, true
		}
		stream.sawVisible.Store(true)
		// Content the UI union cannot render still counts as visible
		// output, as a placeholder chunk.
		return events.Event{
			Type: events.EventTypeMessageChunk,
			Text: fmt.Sprintf("[unsupported agent message content: %s]", contentKind(u.AgentMessageChunk.Content)),
		}, true

	case u.AgentThoughtChunk != nil:
		stream.updates.Add(1)
		if u.AgentThoughtChunk.Content.Text != nil {
			if u.AgentThoughtChunk.Content.Text.Text != "" {
				stream.sawVisible.Store(true)
			}
			return events.Event{
				Type: events.EventTypeThinkingChunk,
				Text: u.AgentThoughtChunk.Content.Text.Text,
			}, true
		}
		return events.Event{}, false

	case u.ToolCall != nil:
		stream.updates.Add(1)
		stream.sawVisible.Store(true)
		tc := u.ToolCall
		state := &events.Event{
			Type:       events.EventTypeToolCallUpdate,
			ToolCallID: string(tc.ToolCallId),
			Title:      tc.Title,
			Kind:       string(tc.Kind),
			Status:     string(tc.Status),
			Locations:  toolLocations(tc.Locations),
		}
		if state.Status == "" {
			state.Status = string(acp.ToolCallStatusPending)
		}
		text, diff := toolCallContent(tc.Content)
		state.Content = text
		state.Diff = diff
		stream.toolCalls[state.ToolCallID] = state
		return *state, true

	case u.ToolCallUpdate != nil:
		stream.updates.Add(1)
		stream.sawVisible.Store(true)
		up := u.ToolCallUpdate
		id := string(up.ToolCallId)
		state, ok := stream.toolCalls[id]
		if !ok {
			state = &events.Event{
				Type:       events.EventTypeToolCallUpdate,
				ToolCallID: id,
				Title:      fallbackToolTitle,
			}
			stream.toolCalls[id] = state
		}
		// Merge: fields present in the update override, absent fields
		// keep their previous values.
		if up.Title != nil {
			state.Title = *up.Title
		}
		if up.Kind != nil {
			state.Kind = string(*up.Kind)
		}
		if up.Status != nil {
			state.Status = string(*up.Status)
		}
		if len(up.Locations) > 0 {
			state.Locations = toolLocations(up.Locations)
		}
		if len(up.Content) > 0 {
			text, diff := toolCallContent(up.Content)
			if text != "" {
				state.Content = text
			}
			if diff != nil {
				state.Diff = diff
			}
		}
		return *state, true

	case u.Plan != nil:
		stream.updates.Add(1)
		stream.sawVisible.Store(true)
		entries := make([]events.PlanEntry, len(u.Plan.Entries))
		for i, e := range u.Plan.Entries {
			entries[i] = events.PlanEntry{
				Content: e.Content,
				Status:  string(e.Status),
			}
		}
		return events.Event{
			Type:        events.EventTypePlanUpdate,
			PlanEntries: entries,
		}, true

	case u.CurrentModeUpdate != nil:
		stream.updates.Add(1)
		return events.Event{
			Type:          events.EventTypeModeUpdate,
			CurrentModeID: string(u.CurrentModeUpdate.CurrentModeId),
		}, true

	case u.AvailableCommandsUpdate != nil:
		stream.updates.Add(1)
		return events.Event{
			Type:     events.EventTypeCommandsUpdate,
			Commands: slashCommands(u.AvailableCommandsUpdate.AvailableCommands),
		}, true
	}

	// Administrative or unknown update kinds are dropped.
	return events.Event{}, false
}

func toolLocations(locs []acp.ToolCallLocation) []events.ToolLocation {
	if len(locs) == 0 {
		return nil
	}
	out := make([]events.ToolLocation, len(locs))
	for i, loc := range locs {
		out[i] = events.ToolLocation{Path: loc.Path, Line: loc.Line}
	}
	return out
}

func toolCallContent(contents []acp.ToolCallContent) (string, *events.DiffData) {
	var parts []string
	var diff *events.DiffData
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			parts = append(parts, c.Content.Content.Text.Text)
		}
		if c.Diff != nil {
			diff = &events.DiffData{
				Path:    c.Diff.Path,
				OldText: c.Diff.OldText,
				NewText: c.Diff.NewText,
			}
		}
	}
	return strings.Join(parts, "\n"), diff
}

func slashCommands(cmds []acp.AvailableCommand) []events.SlashCommand {
	out := make([]events.SlashCommand, len(cmds))
	for i, cmd := range cmds {
		sc := events.SlashCommand{
			Name:        cmd.Name,
			Description: cmd.Description,
		}
		if cmd.Input != nil && cmd.Input.Unstructured != nil {
			hint := cmd.Input.Unstructured.Hint
			sc.InputHint = &hint
		}
		out[i] = sc
	}
	return out
}

// contentKind names a content block variant for placeholder chunks.
func contentKind(cb acp.ContentBlock) string {
	switch {
	case cb.Text != nil:
		return "text"
	case cb.Image != nil:
		return "image"
	case cb.Audio != nil:
		return "audio"
	case cb.Resource != nil:
		return "resource"
	case cb.ResourceLink != nil:
		return "resource_link"
	default:
		return "unknown"
	}
}

// stopReasonString maps a protocol stop reason onto the strings the UI
// understands.
func stopReasonString(r acp.StopReason) string {
	switch string(r) {
	case "end_turn", "max_tokens", "max_turn_requests", "refusal", "cancelled":
		return string(r)
	default:
		return "unknown"
	}
}
