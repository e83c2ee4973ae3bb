// Package component implements the event-driven scheduler every flux-mcf
// component runs on.
//
// A Component owns one goroutine. It runs the startup hook, waits until the
// manager calls Run, and then sleeps on its trigger event. Each wake-up runs
// the trigger handlers in registration order, followed by the handler of
// every value queue that holds data:
//
//	c := component.New("Detector", store, component.WithLogger(logger))
//	q := valuestore.NewQueue(1)
//	store.AddReceiver("/camera/image", q)
//	c.RegisterValueHandler(q, "onImage", func(ctx context.Context) error {
//		img, ok := q.Pop()
//		if !ok {
//			return nil
//		}
//		return c.SetValue("/detector/objects", detect(img))
//	})
//
// A handler that returns an error or panics aborts its own component only.
// The ComponentManager in package service drives Configure, Start, Run and
// Stop.
package component
