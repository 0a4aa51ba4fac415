// Package engine is the top-level wiring layer for Conveyor.
//
// Build an Engine from a configured Service, register typed job
// definitions, and submit work:
//
//	svc, _ := conveyor.New(
//	    conveyor.WithRepository(repo),
//	    conveyor.WithBroker(brk),
//	    conveyor.WithConcurrency(20),
//	)
//	eng, _ := engine.Build(svc)
//
//	engine.Register(eng, job.NewDefinition("send-email", func(ctx context.Context, p EmailPayload) (any, error) {
//	    return nil, mailer.Send(ctx, p.To, p.Body)
//	}))
//
//	_ = eng.Start(ctx)
//	j, _ := engine.Submit(ctx, eng, "send-email", EmailPayload{To: "a@example.com"})
//
// The Engine owns the worker pool, retry policy, DLQ service, and
// extension registry; the Service stays a thin lifecycle coordinator.
package engine
