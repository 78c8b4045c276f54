package consultation

import (
	"github.com/mediconnect/teleconsult/internal/config"
	"github.com/mediconnect/teleconsult/internal/repository"
	"github.com/mediconnect/teleconsult/internal/room"
	"github.com/mediconnect/teleconsult/internal/transport"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		registry := do.MustInvoke[*room.Registry](i)
		selector := do.MustInvoke[*transport.Selector](i)
		return NewService(cfg, repo, registry, selector), nil
	})
}
