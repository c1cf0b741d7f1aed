package rest

import (
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"go.uber.org/fx"
)

var Module = fx.Module("rest",
	fx.Provide(
		httpsrv.AsRoute(NewHandler),
	),
)
