package socket

import (
	"time"

	"github.com/phederal/sioserver/parser"
)

// ConnectionStateRecoveryOptions enables the recovery store: a disconnected session may be resurrected within
// MaxDisconnectionDuration, replaying the non-ack, non-volatile broadcasts
// it missed.
type ConnectionStateRecoveryOptions struct {
	MaxDisconnectionDuration time.Duration
	SkipMiddlewares          bool
}

// DefaultConnectionStateRecovery returns the stock recovery settings.
func DefaultConnectionStateRecovery() *ConnectionStateRecoveryOptions {
	return &ConnectionStateRecoveryOptions{
		MaxDisconnectionDuration: 120 * time.Second,
		SkipMiddlewares:          true,
	}
}

// ServerOptions configures a Server as a flat plain-field struct: this
// module has no HTTP-attach builder to merge layered defaults into
// (transport.Server owns that), so direct field access plus one
// defaulting constructor is all configuration needs here.
type ServerOptions struct {
	// Path is the base upgrade path, trailing slash stripped; default
	// "/socket.io".
	Path string

	// Parser is the codec extension point; nil uses parser.NewParser().
	Parser parser.Parser

	// Adapter overrides the room index installed per namespace, the hook a
	// clustered (Redis, Postgres) adapter plugs into. Nil uses the in-memory
	// RoomIndex, wrapped by SessionAwareAdapter when recovery is enabled.
	Adapter func(*Namespace) Adapter

	// ConnectTimeout bounds how long a client may stay without joining any
	// namespace before the transport is closed; default 45s.
	ConnectTimeout time.Duration

	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxPayload   int64

	// CleanupEmptyChildNamespaces self-destructs a dynamically created
	// child namespace once its last session disconnects.
	CleanupEmptyChildNamespaces bool

	// ConnectionStateRecovery enables the recovery store when non-nil.
	ConnectionStateRecovery *ConnectionStateRecoveryOptions
}

// DefaultServerOptions returns the default configuration, recovery disabled.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Path:           "/socket.io",
		ConnectTimeout: 45 * time.Second,
		PingInterval:   25 * time.Second,
		PingTimeout:    20 * time.Second,
		MaxPayload:     1_000_000,
	}
}

func (o *ServerOptions) withDefaults() *ServerOptions {
	if o == nil {
		o = &ServerOptions{}
	}
	out := *o
	if out.Path == "" {
		out.Path = "/socket.io"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 45 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 25 * time.Second
	}
	if out.PingTimeout <= 0 {
		// pingTimeout = 0 is invalid configuration.
		out.PingTimeout = 20 * time.Second
	}
	if out.MaxPayload <= 0 {
		out.MaxPayload = 1_000_000
	}
	if out.Parser == nil {
		out.Parser = parser.NewParser()
	}
	return &out
}
