//go:build tools

// This file pins development tools in go.sum.
// Lint with: go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
