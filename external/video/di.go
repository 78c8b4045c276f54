package video

import (
	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/mediconnect/teleconsult/internal/transport"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*transport.Selector, error) {
		c := do.MustInvoke[*config.Config](i)
		if !c.VideoConfigured() {
			return transport.NewSelector(nil), nil
		}
		provider := NewHTTPProvider(c.VideoProviderURL, c.VideoAPIKey, c.VideoAPISecret, c.VideoTokenTTL())
		return transport.NewSelector(provider), nil
	})
}
