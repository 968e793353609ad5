package core

import (
	"github.com/goliatone/go-gateway/ratelimit"
	glog "github.com/goliatone/go-logger/glog"
)

var (
	_ CredentialStore  = (*MemoryCredentialStore)(nil)
	_ CooldownTracker  = (*ratelimit.CooldownTracker)(nil)
	_ BackoffScheduler = ExponentialBackoffScheduler{}
	_ CredentialCodec  = TokenJSONCodec{}
	_ Waiter           = waitWithContext

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
