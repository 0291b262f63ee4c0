// Package agentmesh federates agent-hosting application instances over a
// local network. Each instance runs a Node: it discovers peers via UDP
// broadcast, connects to them over authenticated WebSockets, exchanges typed
// envelopes (task relay, fleet learning, state sync), and keeps a replicated
// key/value state eventually consistent across the mesh.
//
// A node's identity is an Ed25519 keypair; its PeerID is derived from the
// public key and every handshake proves possession of the matching private
// key, so a peer cannot impersonate another no matter what its discovery
// announcements claim.
//
// Typical use:
//
//	id, _ := identity.Generate("workstation-1")
//	cfg := config.Defaults()
//	node, _ := agentmesh.New(id, &cfg)
//	if err := node.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer node.Stop()
//
//	node.OnMessage(protocol.KindTaskRelay, func(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
//		// execute the task, reply with a task_result envelope
//		return nil, nil
//	})
package agentmesh
