package ctag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Script is a batch of tag commands loaded from a JSON document.
type Script struct {
	Description string          `json:"description"`
	Commands    []ScriptCommand `json:"commands"`
}

// ScriptCommand is one unit of work in a script. Its Tags payload is a string
// array for add and remove, and an old-to-new object for replace.
type ScriptCommand struct {
	Action        string     `json:"action"`
	CQLExpression string     `json:"cql_expression"`
	Tags          TagPayload `json:"tags"`
	Interactive   bool       `json:"interactive"`
	CQLExclude    string     `json:"cql_exclude"`
	Regex         bool       `json:"regex"`
}

// TagPayload holds either a tag list or a replacement mapping, depending on
// the command's action. Mappings keep the document's key order because regex
// replacement resolves first-matching-pattern-wins.
type TagPayload struct {
	List    []string
	Mapping []ReplacePair
}

func (t *TagPayload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("tags payload is empty")
	}

	switch trimmed[0] {
	case '[':
		return json.Unmarshal(trimmed, &t.List)

	case '{':
		// encoding/json maps discard key order, so walk the object with the
		// token stream instead.
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		if _, err := dec.Token(); err != nil {
			return err
		}
		for dec.More() {
			keyToken, err := dec.Token()
			if err != nil {
				return err
			}
			key, ok := keyToken.(string)
			if !ok {
				return fmt.Errorf("tags object key is not a string")
			}
			var value string
			if err := dec.Decode(&value); err != nil {
				return fmt.Errorf("tags object value for %q is not a string: %w", key, err)
			}
			t.Mapping = append(t.Mapping, ReplacePair{Old: key, New: value})
		}
		if _, err := dec.Token(); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("tags payload must be an array or an object")
}

func (t TagPayload) MarshalJSON() ([]byte, error) {
	if t.Mapping != nil {
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, pair := range t.Mapping {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(pair.Old)
			if err != nil {
				return nil, err
			}
			value, err := json.Marshal(pair.New)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(value)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return json.Marshal(t.List)
}

// ParseScript decodes and validates a script document. Structural problems
// are fatal; an unknown action is not, so a script can keep running commands
// written for a newer version of the tool.
func ParseScript(r io.Reader) (*Script, error) {
	var script Script
	dec := json.NewDecoder(r)
	if err := dec.Decode(&script); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if len(script.Commands) == 0 {
		return nil, fmt.Errorf("script contains no commands")
	}

	for i, cmd := range script.Commands {
		if cmd.CQLExpression == "" {
			return nil, fmt.Errorf("command %d: cql_expression is required", i+1)
		}
		switch Action(cmd.Action) {
		case ActionAdd, ActionRemove:
			if len(cmd.Tags.List) == 0 {
				return nil, fmt.Errorf("command %d: action %q requires a tag array", i+1, cmd.Action)
			}
		case ActionReplace:
			if len(cmd.Tags.Mapping) == 0 {
				return nil, fmt.Errorf("command %d: action %q requires a tag mapping", i+1, cmd.Action)
			}
		}
	}
	return &script, nil
}

// operation converts the command into an executable Operation.
func (cmd *ScriptCommand) operation() (*Operation, error) {
	switch Action(cmd.Action) {
	case ActionAdd:
		return NewAddOperation(cmd.Tags.List)
	case ActionRemove:
		return NewRemoveOperation(cmd.Tags.List, cmd.Regex)
	case ActionReplace:
		return NewReplaceOperation(cmd.Tags.Mapping, cmd.Regex)
	}
	return nil, fmt.Errorf("unknown action %q", cmd.Action)
}

// RunScript executes every command in order. The returned result counts one
// unit per command, not per page; tag totals are aggregated across commands.
// A failed command is recorded and the script continues, except when a
// command's run is aborted interactively, which stops the whole script.
func (p *Processor) RunScript(ctx context.Context, script *Script, dryRun bool) *ProcessResult {
	result := NewProcessResult(len(script.Commands))

	if script.Description != "" {
		p.progress.Message(script.Description)
	}

	for i, cmd := range script.Commands {
		op, err := cmd.operation()
		if err != nil {
			p.logger.Errorw("script command failed", "command", i+1, "error", err)
			result.Processed++
			result.Failed++
			continue
		}

		cmdResult, err := p.Run(ctx, op, RunOptions{
			CQL:         cmd.CQLExpression,
			CQLExclude:  cmd.CQLExclude,
			DryRun:      dryRun,
			Interactive: cmd.Interactive,
		})
		result.Processed++
		if err != nil {
			p.logger.Errorw("script command failed", "command", i+1, "error", err)
			result.Failed++
			continue
		}

		result.Success++
		result.TagsAdded += cmdResult.TagsAdded
		result.TagsRemoved += cmdResult.TagsRemoved
		result.Details = append(result.Details, cmdResult.Details...)

		if cmdResult.Aborted {
			result.Aborted = true
			p.logger.Infow("script aborted", "command", i+1)
			break
		}
	}
	return result
}
