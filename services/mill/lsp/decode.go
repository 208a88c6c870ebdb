// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Analyzer results come in several shapes per method. The decoders below
// turn each into one typed value; a JSON null is a valid empty result.

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeHover decodes a textDocument/hover result. Contents may be a
// string, a MarkedString, an array of those, or MarkupContent. Returns nil
// when there is nothing to show.
func decodeHover(raw json.RawMessage) (*HoverInfo, error) {
	if isNull(raw) {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: hover is not valid JSON", ErrInvalidResponse)
	}
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return nil, fmt.Errorf("%w: hover is %s, want object", ErrInvalidResponse, result.Type)
	}

	content, kind := hoverContents(result.Get("contents"))
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	info := &HoverInfo{Content: content, Kind: kind}
	if r := result.Get("range"); r.IsObject() {
		var rng Range
		if err := json.Unmarshal([]byte(r.Raw), &rng); err != nil {
			return nil, fmt.Errorf("%w: hover range: %v", ErrInvalidResponse, err)
		}
		info.Range = &rng
	}
	return info, nil
}

func hoverContents(c gjson.Result) (content, kind string) {
	switch {
	case c.Type == gjson.String:
		return c.String(), "markdown"
	case c.IsArray():
		var parts []string
		for _, item := range c.Array() {
			if s := markedString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n"), "markdown"
	case c.IsObject() && c.Get("kind").Exists():
		return c.Get("value").String(), c.Get("kind").String()
	case c.IsObject():
		return markedString(c), "markdown"
	}
	return "", ""
}

// markedString renders a MarkedString; the {language, value} form becomes
// a fenced code block.
func markedString(m gjson.Result) string {
	if m.Type == gjson.String {
		return m.String()
	}
	value := m.Get("value").String()
	if value == "" {
		return ""
	}
	return "```" + m.Get("language").String() + "\n" + value + "\n```"
}

// decodeCompletion decodes a textDocument/completion result, either
// CompletionItem[] or CompletionList.
func decodeCompletion(raw json.RawMessage) (CompletionList, error) {
	if isNull(raw) {
		return CompletionList{Items: []CompletionItem{}}, nil
	}

	var list CompletionList
	switch bytes.TrimSpace(raw)[0] {
	case '[':
		if err := json.Unmarshal(raw, &list.Items); err != nil {
			return CompletionList{}, fmt.Errorf("%w: completion items: %v", ErrInvalidResponse, err)
		}
	case '{':
		if err := json.Unmarshal(raw, &list); err != nil {
			return CompletionList{}, fmt.Errorf("%w: completion list: %v", ErrInvalidResponse, err)
		}
	default:
		return CompletionList{}, fmt.Errorf("%w: completion is neither list nor array", ErrInvalidResponse)
	}
	if list.Items == nil {
		list.Items = []CompletionItem{}
	}
	return list, nil
}

// decodeSignatureHelp decodes a textDocument/signatureHelp result.
// Returns nil when the analyzer has no signature to show.
func decodeSignatureHelp(raw json.RawMessage) (*SignatureHelp, error) {
	if isNull(raw) {
		return nil, nil
	}
	var help SignatureHelp
	if err := json.Unmarshal(raw, &help); err != nil {
		return nil, fmt.Errorf("%w: signature help: %v", ErrInvalidResponse, err)
	}
	if len(help.Signatures) == 0 {
		return nil, nil
	}
	if help.ActiveSignature < 0 || help.ActiveSignature >= len(help.Signatures) {
		help.ActiveSignature = 0
	}
	return &help, nil
}

// decodeLocations decodes a Location, Location[] or LocationLink[] result.
func decodeLocations(raw json.RawMessage) ([]Location, error) {
	if isNull(raw) {
		return nil, nil
	}

	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: locations are not valid JSON", ErrInvalidResponse)
	}
	result := gjson.ParseBytes(raw)
	items := []gjson.Result{result}
	if result.IsArray() {
		items = result.Array()
	}

	locations := make([]Location, 0, len(items))
	for _, item := range items {
		if !item.IsObject() {
			return nil, ErrInvalidResponse
		}
		if item.Get("targetUri").Exists() {
			var link LocationLink
			if err := json.Unmarshal([]byte(item.Raw), &link); err != nil {
				return nil, fmt.Errorf("%w: location link: %v", ErrInvalidResponse, err)
			}
			locations = append(locations, Location{URI: link.TargetURI, Range: link.TargetSelectionRange})
			continue
		}
		var loc Location
		if err := json.Unmarshal([]byte(item.Raw), &loc); err != nil || loc.URI == "" {
			return nil, fmt.Errorf("%w: location", ErrInvalidResponse)
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// decodeWorkspaceEdit decodes a textDocument/rename result.
func decodeWorkspaceEdit(raw json.RawMessage) (*WorkspaceEdit, error) {
	if isNull(raw) {
		return nil, nil
	}
	var edit WorkspaceEdit
	if err := json.Unmarshal(raw, &edit); err != nil {
		return nil, fmt.Errorf("%w: workspace edit: %v", ErrInvalidResponse, err)
	}
	return &edit, nil
}

// decodeSymbols decodes a workspace/symbol result.
func decodeSymbols(raw json.RawMessage) ([]SymbolInformation, error) {
	if isNull(raw) {
		return nil, nil
	}
	var symbols []SymbolInformation
	if err := json.Unmarshal(raw, &symbols); err != nil {
		return nil, fmt.Errorf("%w: symbols: %v", ErrInvalidResponse, err)
	}
	return symbols, nil
}
