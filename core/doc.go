// Package core contains the gateway domain contracts and orchestration: the
// OAuth credential manager, the invocation gateway and its retry, fallback and
// cooldown policy. Storage backends, provider callers and transports depend on
// this package, never the reverse.
package core
