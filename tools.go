//go:build tools

// Package tools tracks the mockgen dependency used by go generate.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
