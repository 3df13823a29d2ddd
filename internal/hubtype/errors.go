// Package hubtype holds the error kinds shared across the proxy components.
package hubtype

import "errors"

// Sentinel errors for the failure classes the proxy distinguishes. Callers
// wrap them with fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrConfig marks a malformed or unreadable configuration document.
	ErrConfig = errors.New("config error")
	// ErrCache marks a corrupt or unwritable schema cache.
	ErrCache = errors.New("cache error")
	// ErrStartup marks a child process that failed to spawn or handshake.
	ErrStartup = errors.New("startup failed")
	// ErrUpstream marks an error returned by a running upstream server.
	ErrUpstream = errors.New("upstream error")
	// ErrTransport marks a broken channel to a child or to the host.
	ErrTransport = errors.New("transport error")
	// ErrUnknownTool marks a tool call that no upstream server provides.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments marks a tool call with arguments the schema rejects.
	ErrInvalidArguments = errors.New("invalid arguments")
)
