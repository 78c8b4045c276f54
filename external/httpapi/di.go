package httpapi

import (
	"github.com/mediconnect/teleconsult/internal/consultation"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Handler, error) {
		svc := do.MustInvoke[*consultation.Service](i)
		return NewHandler(svc), nil
	})
}
