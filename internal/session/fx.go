package session

import (
	"github.com/smallbiznis/careline/internal/session/repository"
	"github.com/smallbiznis/careline/internal/session/service"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
