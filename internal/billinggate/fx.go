package billinggate

import "go.uber.org/fx"

var Module = fx.Module("billinggate",
	fx.Provide(NewGate),
)
