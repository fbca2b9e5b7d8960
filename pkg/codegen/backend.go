package codegen

import (
	"bytes"

	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/ir"
)

// Backend is the interface that all listing backends must implement.
type Backend interface {
	// Generate takes an IR program and a configuration, and produces the target
	// assembly or intermediate language as a byte buffer.
	Generate(prog *ir.Program, cfg *config.Config) (*bytes.Buffer, error)
}

// ListingBackend returns the backend producing the textual output selected by
// cfg.Emit, or nil for native objects.
func ListingBackend(cfg *config.Config) Backend {
	switch cfg.Emit {
	case config.EmitQBE:
		return &qbeBackend{ilOnly: true}
	case config.EmitAsm:
		return &qbeBackend{}
	case config.EmitLLVM:
		return &llvmBackend{}
	}
	return nil
}
