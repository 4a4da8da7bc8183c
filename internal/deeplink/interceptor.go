// Package deeplink receives custom-scheme sign-in URLs routed to the app by
// the operating system.
package deeplink

import (
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/proupgrade/internal/model"
	"github.com/and161185/proupgrade/internal/signin"
)

// Claimer hands a URL to whatever sign-in attempt is open.
type Claimer interface {
	ClaimActive(ch signin.Channel, rawURL string) bool
}

var _ Claimer = (*signin.Resolver)(nil)

// Source delivers batches of URLs the OS opened the app with.
type Source interface {
	Subscribe(fn func(urls []string)) (unsubscribe func())
}

// Interceptor forwards marked deep links into the open sign-in attempt.
// Parsing and persisting stay with the attempt so both channels share one tail.
type Interceptor struct {
	enabled bool
	claim   Claimer
	log     *zap.Logger
}

// NewInterceptor returns an interceptor that acts only when transport is the deep link.
func NewInterceptor(transport model.Transport, c Claimer, log *zap.Logger) *Interceptor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Interceptor{
		enabled: transport == model.TransportDeepLink,
		claim:   c,
		log:     log,
	}
}

// Handle processes one OS invocation.
func (i *Interceptor) Handle(urls []string) {
	if !i.enabled {
		i.log.Debug("deep link ignored: loopback transport", zap.Int("count", len(urls)))
		return
	}
	for _, u := range urls {
		if !model.HasTokenMarker(u) {
			continue
		}
		if !i.claim.ClaimActive(signin.ChannelDeepLink, u) {
			i.log.Info("deep link dropped: no open sign-in or already resolved")
			continue
		}
		i.log.Debug("deep link claimed")
	}
}

// Attach subscribes Handle to src until detach is called. detach is idempotent.
func (i *Interceptor) Attach(src Source) (detach func()) {
	unsubscribe := src.Subscribe(i.Handle)
	var once sync.Once
	return func() { once.Do(unsubscribe) }
}
