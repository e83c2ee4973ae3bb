// Package valuestore implements the shared topic store components publish to
// and the bounded queues they consume from.
//
// A Store keeps the latest value per topic. Every SetValue is delivered to
// the receivers registered for that topic and to all-topic receivers such as
// the recorder. A Queue is the usual receiver: it buffers values for one
// component and fires its attached Events so the component scheduler wakes
// up.
//
//	store := valuestore.NewStore()
//	q := valuestore.NewQueue(10)
//	store.AddReceiver("/camera/image", q)
//
//	wake := valuestore.NewEvent()
//	q.AddEvent(wake)
//
//	_ = store.SetValue("/camera/image", img)
//	_ = wake.WaitAndClear(ctx)
//	v, ok := q.Pop()
package valuestore
