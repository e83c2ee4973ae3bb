// Package health turns the state of the component manager, remote services
// and the recorder into a Status tree served on the /health endpoint.
//
// # Health States
//
//   - healthy: operating normally
//   - degraded: stopped, not yet connected, or losing data
//   - unhealthy: a remote link is DOWN or a component goroutine died
//
// Aggregate derives a parent status from its children: any unhealthy child
// makes the parent unhealthy, otherwise any degraded child makes it
// degraded.
//
// # Usage
//
//	monitor := health.NewMonitor("fluxmcf")
//	monitor.Register("components", func() health.Status {
//		return health.FromManager(manager)
//	})
//	for name, svc := range services {
//		monitor.Register("remote/"+name, func() health.Status {
//			return health.FromRemote(svc)
//		})
//	}
//
//	server := metric.NewServer(port, "/metrics", registry, monitor.Report)
//
// Error texts are stripped of URLs, paths, addresses and credentials before
// they appear in a status message.
package health
