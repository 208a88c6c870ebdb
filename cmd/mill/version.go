// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"runtime"

	"github.com/AleutianAI/AleutianMill/pkg/ux"
	"github.com/AleutianAI/AleutianMill/services/mill"
	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version        string `json:"version"`
	ServiceVersion string `json:"service_version"`
	GoVersion      string `json:"go_version"`
	Platform       string `json:"platform"`
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version:        version,
				ServiceVersion: mill.ServiceVersion,
				GoVersion:      runtime.Version(),
				Platform:       runtime.GOOS + "/" + runtime.GOARCH,
			}
			if a.printer.Mode() == ux.ModeJSON {
				return a.printer.JSON(info)
			}
			a.printer.KeyValue(
				[2]string{"mill", info.Version},
				[2]string{"service", info.ServiceVersion},
				[2]string{"go", info.GoVersion},
				[2]string{"platform", info.Platform},
			)
			return nil
		},
	}
}
