// Package remote bridges topics of two value stores over a lock-step
// request/reply transport.
//
// A Service is a component owning a Pair, the link to one peer. The pair
// sends through a Sender, answers the peer through a Receiver and runs a
// ping/pong heartbeat in a StatusTracker:
//
//	sender := remote.NewSender("ws://10.0.0.2:5560/mcf", requester, codec)
//	receiver := remote.NewReceiver("ws://0.0.0.0:5561/mcf", responder, codec, logger)
//	pair, err := remote.NewPair(sender, receiver)
//	if err != nil {
//		return err
//	}
//
//	svc := remote.NewService(store, pair)
//	svc.AddSendRule("/camera/image", "", 2, false)
//	svc.AddReceiveRule("/control/exposure", "")
//	manager.Register(svc, "camera-link")
//
// Values are only exchanged while the link is UP. Once both sides see the
// link UP, each asks the other for the latest value of all its send rules.
//
// A peer answers every value with INJECTED, RECEIVED or REJECTED. RECEIVED
// holds back further values of that rule until the peer reports the value
// injected or rejected, or until the link leaves UP.
//
// Builder creates services from the remote_services config table.
package remote
