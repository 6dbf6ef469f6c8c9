// Package workspace is the client side of a workspace sync session.
//
// A Client keeps one WebSocket connection to the sync server alive, mirrors
// the server's key/value state into a local cache and lets callers write to
// that state optimistically:
//
//	client, err := workspace.New(workspace.Config{WorkspaceID: "ws-1", Token: token})
//	if err != nil {
//		return err
//	}
//	client.HandleFunc(func(msg protocol.Message) error {
//		// runs after the cache has applied msg
//		return nil
//	})
//	go client.Connect(ctx) // blocks until Disconnect or terminal failure
//	...
//	err = client.Set("greeting", "hello")
//
// Inbound frames are processed one at a time in arrival order: decode, cache
// apply, handler dispatch. Connection failures are retried with exponential
// backoff until the attempt ceiling is reached.
package workspace
