package lp

import (
	"github.com/webitel/im-fanout-service/infra/server/httpsrv"
	"go.uber.org/fx"
)

var Module = fx.Module("delivery-lp",
	fx.Provide(
		httpsrv.AsRoute(NewLPHandler),
	),
)
