// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version stamped by the Go linker.
package version

// Version is populated at build time via -ldflags "-X ...version.Version=...".
var Version = "dev"
