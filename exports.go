package scriptd

import (
	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/routing"
)

// Type aliases re-exporting internal types so embedders can configure and
// call a Runtime without importing internal packages.

type Config = core.Config
type ServerConfig = core.ServerConfig
type ScriptsConfig = core.ScriptsConfig
type EngineConfig = core.EngineConfig
type StorageConfig = core.StorageConfig
type LoggingConfig = core.LoggingConfig
type MetricsConfig = core.MetricsConfig
type TracingConfig = core.TracingConfig
type Storage = core.Storage
type Value = core.Value
type Row = core.Row
type Request = core.Request
type Response = core.Response
type Identity = core.Identity
type IdentityFunc = core.IdentityFunc
type ResponseKind = core.ResponseKind
type Route = routing.Route
type ConfigurationError = core.ConfigurationError
type HandlerError = core.HandlerError
type InternalError = core.InternalError
type StorageError = core.StorageError

// Sentinel errors re-exported from core.
var (
	ErrCapacityExceeded = core.ErrCapacityExceeded
	ErrTimeout          = core.ErrTimeout
	ErrPoolClosed       = core.ErrPoolClosed
	ErrNoRoute          = core.ErrNoRoute
)

// Functions re-exported from core.
var (
	DefaultConfig       = core.DefaultConfig
	DefaultEngineConfig = core.DefaultEngineConfig
	LoadConfig          = core.LoadConfig
)
