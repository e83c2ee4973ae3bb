// Package service orchestrates the lifecycle of the components of one
// flux-mcf process.
//
// The ComponentManager keeps an append-only table of registered component
// instances and moves all of them through configure, startup and shutdown
// together:
//
//	mgr := service.NewComponentManager(service.WithLogger(logger))
//	if _, err := mgr.Register(detector, "detector-front"); err != nil {
//		return err
//	}
//	if err := mgr.Configure(); err != nil {
//		return err
//	}
//	if err := mgr.Startup(ctx); err != nil {
//		return err
//	}
//	defer mgr.Shutdown(context.Background())
package service
