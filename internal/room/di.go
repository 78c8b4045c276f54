package room

import (
	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Registry, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewRegistry(cfg), nil
	})
}
