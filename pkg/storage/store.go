package storage

import (
	"github.com/cuemby/faas/pkg/types"
)

// Store persists registered functions and their code so the registry
// survives an orchestrator restart. Instances are never persisted here:
// a restart always starts cold, per the registry's restart-persistence
// contract.
type Store interface {
	CreateFunction(cfg *types.FunctionConfig) error
	GetFunction(name string) (*types.FunctionConfig, error)
	ListFunctions() ([]*types.FunctionConfig, error)
	UpdateFunction(cfg *types.FunctionConfig) error
	DeleteFunction(name string) error

	PutCode(code *types.FunctionCode) error
	GetCode(functionName string) (*types.FunctionCode, error)
	DeleteCode(functionName string) error

	Close() error
}
