package logstore

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel is the Postgres channel chatline writes and listens on.
const NotifyChannel = "chatline_changes"

type notifyPayload struct {
	Conversation string `json:"c,omitempty"`
	Owner        string `json:"o,omitempty"`
}

func encodeNotifyPayload(conversationID, owner string) (string, error) {
	b, err := json.Marshal(notifyPayload{Conversation: conversationID, Owner: owner})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeNotifyPayload(s string) (conversationID, owner string, err error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return "", "", err
	}
	return p.Conversation, p.Owner, nil
}

// ListenPostgres subscribes the broker to NotifyChannel so writes committed
// by other processes reach local subscribers. It runs until the broker is
// closed.
func (b *Broker) ListenPostgres(dsn string) error {
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("logstore: pq listener event %d: %v", ev, err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("logstore: listen %s: %w", NotifyChannel, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer listener.Close()
		for {
			select {
			case <-b.ctx.Done():
				return
			case n := <-listener.Notify:
				b.handleNotification(n)
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return nil
}

// handleNotification publishes the keys named by n. A nil notification
// follows a reconnect, when any change may have been missed.
func (b *Broker) handleNotification(n *pq.Notification) {
	if n == nil {
		b.PublishAll()
		return
	}
	conversationID, owner, err := decodeNotifyPayload(n.Extra)
	if err != nil {
		log.Printf("logstore: bad notification payload %q: %v", n.Extra, err)
		return
	}
	b.Publish(conversationID, owner)
}
