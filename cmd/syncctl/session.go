package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/wsync/internal/protocol"
	"github.com/danmuck/wsync/internal/workspace"
)

const defaultSyncTimeout = 15 * time.Second

// liveSession is a client whose Connect loop runs in the background.
type liveSession struct {
	client *workspace.Client
	done   chan error
}

// startSession runs Connect in the background and blocks until the first
// init frame has been applied to the cache, Connect gives up, or ctx ends.
func startSession(ctx context.Context, client *workspace.Client, timeout time.Duration) (*liveSession, error) {
	synced := make(chan struct{})
	var once sync.Once
	unregister := client.HandleFunc(func(msg protocol.Message) error {
		if msg.Type == protocol.KindInit {
			once.Do(func() { close(synced) })
		}
		return nil
	})
	defer unregister()

	s := &liveSession{client: client, done: make(chan error, 1)}
	go func() {
		s.done <- client.Connect(ctx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-synced:
		return s, nil
	case err := <-s.done:
		if err == nil {
			err = context.Canceled
		}
		return nil, err
	case <-timer.C:
		s.stop()
		return nil, fmt.Errorf("no initial state from %s within %s", client.URL(), timeout)
	}
}

// stop disconnects and waits for Connect to return.
func (s *liveSession) stop() error {
	s.client.Disconnect()
	return <-s.done
}
