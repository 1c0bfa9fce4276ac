package appointment

import (
	"github.com/smallbiznis/careline/internal/appointment/repository"
	"github.com/smallbiznis/careline/internal/appointment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("appointment",
	fx.Provide(
		repository.Provide,
		service.NewConverter,
	),
)
