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

import "encoding/json"

// =============================================================================
// COORDINATES
// =============================================================================

// Position is a zero-based location in a text document.
//
// Character counts UTF-16 code units, matching the wire protocol. The
// 1-based form shown to humans exists only at the CLI and HTTP boundary.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// FromOneBased converts a human line/column pair into a Position.
func FromOneBased(line, column int) Position {
	return Position{Line: line - 1, Character: column - 1}
}

// ComparePositions orders positions lexicographically by (line, character).
// It returns -1, 0 or 1.
func ComparePositions(a, b Position) int {
	switch {
	case a.Line < b.Line:
		return -1
	case a.Line > b.Line:
		return 1
	case a.Character < b.Character:
		return -1
	case a.Character > b.Character:
		return 1
	}
	return 0
}

// Range spans [Start, End) in a document. Whether it is valid depends on
// the content it is applied to, so nothing is checked at construction.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range inside a specific document.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// LocationLink is the richer form some servers return for definitions.
type LocationLink struct {
	OriginSelectionRange *Range `json:"originSelectionRange,omitempty"`
	TargetURI            string `json:"targetUri"`
	TargetRange          Range  `json:"targetRange"`
	TargetSelectionRange Range  `json:"targetSelectionRange"`
}

// =============================================================================
// EDITS
// =============================================================================

// TextEdit replaces the text spanned by Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// TextDocumentEdit is a set of edits bound to one document version.
type TextDocumentEdit struct {
	TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
	Edits        []TextEdit                      `json:"edits"`
}

// WorkspaceEdit maps document URIs to the edits for that document.
//
// Changes holds one entry per file; multiple edits to the same file are
// items of that entry. DocumentChanges is the versioned form servers may
// use instead and is folded into the same per-file lists when applied.
type WorkspaceEdit struct {
	Changes         map[string][]TextEdit `json:"changes,omitempty"`
	DocumentChanges []TextDocumentEdit    `json:"documentChanges,omitempty"`
}

// EditCount returns the total number of text edits across all files.
func (e *WorkspaceEdit) EditCount() int {
	if e == nil {
		return 0
	}
	n := 0
	for _, edits := range e.Changes {
		n += len(edits)
	}
	for _, dc := range e.DocumentChanges {
		n += len(dc.Edits)
	}
	return n
}

// =============================================================================
// DOCUMENT IDENTIFIERS
// =============================================================================

// TextDocumentIdentifier identifies a document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// VersionedTextDocumentIdentifier identifies a specific document version.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier

	// Version is nil when the server does not track versions.
	Version *int `json:"version"`
}

// TextDocumentItem carries a full document for didOpen.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

// =============================================================================
// REQUEST PARAMETERS
// =============================================================================

// TextDocumentPositionParams addresses a position inside a document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// CompletionContext tells the server how completion was triggered.
type CompletionContext struct {
	// TriggerKind is 1 for invoked, 2 for trigger character.
	TriggerKind      int    `json:"triggerKind"`
	TriggerCharacter string `json:"triggerCharacter,omitempty"`
}

// CompletionParams are the params of textDocument/completion.
type CompletionParams struct {
	TextDocumentPositionParams
	Context *CompletionContext `json:"context,omitempty"`
}

// SignatureHelpContext tells the server how signature help was triggered.
type SignatureHelpContext struct {
	TriggerKind      int    `json:"triggerKind"`
	TriggerCharacter string `json:"triggerCharacter,omitempty"`
	IsRetrigger      bool   `json:"isRetrigger"`
}

// SignatureHelpParams are the params of textDocument/signatureHelp.
type SignatureHelpParams struct {
	TextDocumentPositionParams
	Context *SignatureHelpContext `json:"context,omitempty"`
}

// Trigger kinds shared by completion and signature help.
const (
	TriggerKindInvoked          = 1
	TriggerKindTriggerCharacter = 2
)

// ReferenceParams are the params of textDocument/references.
type ReferenceParams struct {
	TextDocumentPositionParams
	Context ReferenceContext `json:"context"`
}

// ReferenceContext controls whether the declaration is included.
type ReferenceContext struct {
	IncludeDeclaration bool `json:"includeDeclaration"`
}

// RenameParams are the params of textDocument/rename.
type RenameParams struct {
	TextDocumentPositionParams
	NewName string `json:"newName"`
}

// WorkspaceSymbolParams are the params of workspace/symbol.
type WorkspaceSymbolParams struct {
	Query string `json:"query"`
}

// DidOpenTextDocumentParams are the params of textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeTextDocumentParams are the params of textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// TextDocumentContentChangeEvent is a change event; a nil Range means
// Text replaces the whole document.
type TextDocumentContentChangeEvent struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// DidCloseTextDocumentParams are the params of textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// =============================================================================
// RESULTS
// =============================================================================

// MarkupContent is documentation text in a declared format.
type MarkupContent struct {
	// Kind is "plaintext" or "markdown".
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// HoverInfo is the decoded result of a hover request.
type HoverInfo struct {
	Content string `json:"content"`
	Kind    string `json:"kind"`
	Range   *Range `json:"range,omitempty"`

	// Synthetic is set when the content was generated locally because the
	// analyzer did not answer in time.
	Synthetic bool `json:"synthetic,omitempty"`
}

// CompletionItem is a single completion proposal.
type CompletionItem struct {
	Label         string          `json:"label"`
	Kind          int             `json:"kind,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	Documentation json.RawMessage `json:"documentation,omitempty"`
	SortText      string          `json:"sortText,omitempty"`
	FilterText    string          `json:"filterText,omitempty"`
	InsertText    string          `json:"insertText,omitempty"`
	TextEdit      *TextEdit       `json:"textEdit,omitempty"`
}

// CompletionList is the object form of a completion response.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// CompletionStatus discriminates the outcome of a completion request.
type CompletionStatus string

const (
	// CompletionOK means the analyzer answered; Items may be empty.
	CompletionOK CompletionStatus = "ok"

	// CompletionTimedOut means the analyzer did not answer in time and
	// Items holds only the unavailable sentinel.
	CompletionTimedOut CompletionStatus = "timed_out"

	// CompletionFailed means the request failed for another reason.
	CompletionFailed CompletionStatus = "error"
)

// CompletionResult is the tri-state outcome of GetCompletions.
type CompletionResult struct {
	Status       CompletionStatus `json:"status"`
	Items        []CompletionItem `json:"items"`
	IsIncomplete bool             `json:"is_incomplete,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// ParameterInformation describes one parameter of a signature.
type ParameterInformation struct {
	// Label is either a string or a [start, end] offset pair.
	Label         json.RawMessage `json:"label"`
	Documentation json.RawMessage `json:"documentation,omitempty"`
}

// SignatureInformation describes one callable signature.
type SignatureInformation struct {
	Label           string                 `json:"label"`
	Documentation   json.RawMessage        `json:"documentation,omitempty"`
	Parameters      []ParameterInformation `json:"parameters,omitempty"`
	ActiveParameter *int                   `json:"activeParameter,omitempty"`
}

// SignatureHelp is the decoded result of a signature help request.
type SignatureHelp struct {
	Signatures      []SignatureInformation `json:"signatures"`
	ActiveSignature int                    `json:"activeSignature"`
	ActiveParameter int                    `json:"activeParameter"`
}

// SymbolKind is the LSP symbol kind enumeration.
type SymbolKind int

// SymbolInformation is a workspace symbol.
type SymbolInformation struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// =============================================================================
// DIAGNOSTICS AND PROGRESS
// =============================================================================

// DiagnosticSeverity ranks diagnostics; 1 is an error.
type DiagnosticSeverity int

// Diagnostic severities.
const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// Diagnostic is a problem reported by the analyzer.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     json.RawMessage    `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// PublishDiagnosticsParams are the params of textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// LogMessageParams are the params of window/logMessage and window/showMessage.
type LogMessageParams struct {
	Type    int    `json:"type"`
	Message string `json:"message"`
}

// ApplyWorkspaceEditParams are the params of workspace/applyEdit.
type ApplyWorkspaceEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  WorkspaceEdit `json:"edit"`
}

// ApplyWorkspaceEditResult answers workspace/applyEdit.
type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

// =============================================================================
// INITIALIZE
// =============================================================================

// ClientInfo identifies this client to the analyzer.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// WorkspaceFolder is a root folder of the workspace.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// InitializeParams are the params of the initialize request.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	ClientInfo            *ClientInfo        `json:"clientInfo,omitempty"`
	RootURI               string             `json:"rootUri"`
	RootPath              string             `json:"rootPath,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// ClientCapabilities advertises what this client understands.
//
// Only the parts the orchestration layer acts on are modeled; everything
// else is left to the analyzer's defaults.
type ClientCapabilities struct {
	TextDocument TextDocumentClientCapabilities `json:"textDocument"`
	Workspace    WorkspaceClientCapabilities    `json:"workspace"`
	Window       WindowClientCapabilities       `json:"window"`
}

// TextDocumentClientCapabilities advertises per-document features.
type TextDocumentClientCapabilities struct {
	Synchronization    *SynchronizationCapabilities    `json:"synchronization,omitempty"`
	Hover              *HoverCapabilities              `json:"hover,omitempty"`
	Completion         *CompletionCapabilities         `json:"completion,omitempty"`
	SignatureHelp      *SignatureHelpCapabilities      `json:"signatureHelp,omitempty"`
	Definition         *struct{}                       `json:"definition,omitempty"`
	References         *struct{}                       `json:"references,omitempty"`
	Rename             *RenameCapabilities             `json:"rename,omitempty"`
	PublishDiagnostics *PublishDiagnosticsCapabilities `json:"publishDiagnostics,omitempty"`
}

// SynchronizationCapabilities advertises document sync support.
type SynchronizationCapabilities struct {
	DidSave bool `json:"didSave,omitempty"`
}

// HoverCapabilities advertises hover formats.
type HoverCapabilities struct {
	ContentFormat []string `json:"contentFormat,omitempty"`
}

// CompletionCapabilities advertises completion support.
type CompletionCapabilities struct {
	ContextSupport bool `json:"contextSupport,omitempty"`
}

// SignatureHelpCapabilities advertises signature help support.
type SignatureHelpCapabilities struct {
	ContextSupport bool `json:"contextSupport,omitempty"`
}

// RenameCapabilities advertises rename support.
type RenameCapabilities struct {
	PrepareSupport bool `json:"prepareSupport,omitempty"`
}

// PublishDiagnosticsCapabilities advertises diagnostics support.
type PublishDiagnosticsCapabilities struct {
	VersionSupport bool `json:"versionSupport,omitempty"`
}

// WorkspaceClientCapabilities advertises workspace features.
type WorkspaceClientCapabilities struct {
	ApplyEdit        bool `json:"applyEdit"`
	Configuration    bool `json:"configuration"`
	WorkspaceFolders bool `json:"workspaceFolders"`
}

// WindowClientCapabilities advertises window features.
type WindowClientCapabilities struct {
	WorkDoneProgress bool `json:"workDoneProgress"`
}

// InitializeResult is the analyzer's answer to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ClientInfo        `json:"serverInfo,omitempty"`
}

// ServerCapabilities records which providers the analyzer announced.
//
// Providers are kept raw because servers send either a boolean or an
// options object.
type ServerCapabilities struct {
	HoverProvider         json.RawMessage `json:"hoverProvider,omitempty"`
	CompletionProvider    json.RawMessage `json:"completionProvider,omitempty"`
	SignatureHelpProvider json.RawMessage `json:"signatureHelpProvider,omitempty"`
	DefinitionProvider    json.RawMessage `json:"definitionProvider,omitempty"`
	ReferencesProvider    json.RawMessage `json:"referencesProvider,omitempty"`
	RenameProvider        json.RawMessage `json:"renameProvider,omitempty"`
}

// Supports reports whether a raw provider value announces the feature.
func Supports(provider json.RawMessage) bool {
	s := string(provider)
	return len(s) > 0 && s != "false" && s != "null"
}
