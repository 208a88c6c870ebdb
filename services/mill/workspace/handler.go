// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"

	"github.com/AleutianAI/AleutianMill/services/mill/lsp"
)

// ApplyEditHandler returns the handler analyzers reach through
// workspace/applyEdit. Each request is applied as one transaction with
// opts; a failure is reported back as the failure reason.
//
// Example:
//
//	manager := lsp.NewManager(root, cfg, lsp.WithApplyEditHandler(engine.ApplyEditHandler(workspace.DefaultOptions())))
func (e *Engine) ApplyEditHandler(opts Options) lsp.ApplyEditFunc {
	return func(ctx context.Context, edit lsp.WorkspaceEdit) (bool, string) {
		res := e.Apply(ctx, edit, opts)
		if !res.Success {
			return false, res.Error
		}
		return true, ""
	}
}
