package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lounge-hq/console/internal/hub"
)

// Event names pushed by the hub. The session-ended event is registered in
// lowercase: servers have been observed emitting it with inconsistent casing,
// and a lowercase registration catches every variant.
const (
	eventReceiveNotification = "ReceiveNotification"
	eventNotificationRead    = "NotificationRead"
	eventSessionEnded        = "sessionended"
)

// methodMarkAsRead is the remote acknowledgement call; the server mirrors it
// back to every client as a NotificationRead push.
const methodMarkAsRead = "MarkNotificationAsRead"

// Channel is the surface of the realtime connection the controller needs; it
// is satisfied by *hub.Connection.
type Channel interface {
	Start(ctx context.Context) error
	Stop() error
	On(event string, handler hub.Handler) *hub.Subscription
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Controller is the per-UI-lifetime consumer of the realtime channel: it
// folds push events into the in-memory notification list and exposes the
// acknowledgement call. It serializes start/stop against the connection, so
// no other component should call Start or Stop on the channel directly.
type Controller struct {
	channel Channel

	mu      sync.RWMutex
	list    []Notification
	started bool
	subs    []*hub.Subscription

	// OnChange, if set before Start, is called after every change to the
	// notification list
	OnChange func()
}

func NewController(channel Channel) *Controller {
	return &Controller{channel: channel}
}

// Start registers the controller's event handlers and then brings up the
// connection. Registrations are made first so that nothing pushed during the
// handshake is lost.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.subs = []*hub.Subscription{
		c.channel.On(eventReceiveNotification, c.handleNotification),
		c.channel.On(eventNotificationRead, c.handleNotificationRead),
		c.channel.On(eventSessionEnded, c.handleSessionEnded),
	}
	c.mu.Unlock()

	return c.channel.Start(ctx)
}

// Stop unregisters all handlers and then stops the connection.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Remove()
	}
	return c.channel.Stop()
}

// MarkAsRead issues the remote acknowledgement for the given notification. It
// does not mutate local state: the read flag flips only if/when the
// corresponding NotificationRead push round-trips back.
func (c *Controller) MarkAsRead(ctx context.Context, id string) error {
	_, err := c.channel.Invoke(ctx, methodMarkAsRead, id)
	return err
}

// Notifications returns a snapshot of the notification list, newest first.
func (c *Controller) Notifications() []Notification {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Notification(nil), c.list...)
}

// HasUnread reports whether any notification is still unread; it drives the
// badge on the notification panel.
func (c *Controller) HasUnread() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.list {
		if !c.list[i].IsRead {
			return true
		}
	}
	return false
}

// handleNotification is called for each direct notification push; the payload
// is prepended so the list stays newest-first.
func (c *Controller) handleNotification(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var n Notification
	if err := json.Unmarshal(args[0], &n); err != nil {
		fmt.Printf("Ignoring malformed notification payload: %v\n", err)
		return
	}
	fmt.Printf("NOTIFY | (n:%s) | %s: %s\n", n.ID, n.Title, n.Message)

	c.mu.Lock()
	c.list = append([]Notification{n}, c.list...)
	c.mu.Unlock()
	c.notifyChanged()
}

// handleNotificationRead is called when this or another client acknowledges a
// notification; an unknown id is a no-op.
func (c *Controller) handleNotificationRead(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var id string
	if err := json.Unmarshal(args[0], &id); err != nil {
		fmt.Printf("Ignoring malformed acknowledgement payload: %v\n", err)
		return
	}

	changed := false
	c.mu.Lock()
	for i := range c.list {
		if c.list[i].ID == id {
			changed = !c.list[i].IsRead
			c.list[i].IsRead = true
			break
		}
	}
	c.mu.Unlock()
	if changed {
		fmt.Printf("READ | (n:%s)\n", id)
		c.notifyChanged()
	}
}

// handleSessionEnded synthesizes an info notification from the session-ended
// domain push. The id combines the transaction id with the current timestamp
// so repeated events for the same transaction never collide.
func (c *Controller) handleSessionEnded(args []json.RawMessage) {
	if len(args) == 0 {
		return
	}
	var ev sessionEndedEvent
	if err := json.Unmarshal(args[0], &ev); err != nil {
		fmt.Printf("Ignoring malformed session-ended payload: %v\n", err)
		return
	}
	fmt.Printf("SESSION END | (t:%s r:%s)\n", ev.TransactionID, ev.RoomID)

	createdOn := ev.EndedAt
	if createdOn.IsZero() {
		createdOn = time.Now()
	}
	n := Notification{
		ID:        fmt.Sprintf("%s-%d", ev.TransactionID, time.Now().UnixMilli()),
		Title:     "Session ended",
		Message:   fmt.Sprintf("The session for room %s has ended (transaction %s).", ev.RoomID, ev.TransactionID),
		Type:      TypeInfo,
		CreatedOn: createdOn,
	}

	c.mu.Lock()
	c.list = append([]Notification{n}, c.list...)
	c.mu.Unlock()
	c.notifyChanged()
}

func (c *Controller) notifyChanged() {
	if c.OnChange != nil {
		c.OnChange()
	}
}
