package burnrate

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("burnrate",
	fx.Provide(DefaultConfig),
	fx.Provide(NewTracker),
	fx.Provide(NewSubscriber),
	fx.Provide(NewWorker),
	fx.Invoke(runSubscriber),
	fx.Invoke(runWorker),
)

func runSubscriber(lc fx.Lifecycle, sub *Subscriber) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			sub.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			sub.Stop()
			return nil
		},
	})
}

func runWorker(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
