package orchestrator

import (
	"context"

	"github.com/rs/zerolog/log"
)

const mailboxBuffer = 16

// mailbox serializes event handling for one session. Events are handled in
// arrival order by a single goroutine, which removes the need for per-session
// locks around state transitions.
type mailbox struct {
	sessionID string
	events    chan Event
}

// Dispatch posts an event to the owning session's mailbox, creating the
// mailbox on first use. Safe for concurrent use. The channel is never closed;
// once the session reaches a terminal state the mailbox is unregistered and
// any straggler events land in an unowned buffer and are collected.
func (o *Orchestrator) Dispatch(sessionID string, ev Event) {
	o.mu.Lock()
	mb, ok := o.mailboxes[sessionID]
	if !ok {
		mb = &mailbox{
			sessionID: sessionID,
			events:    make(chan Event, mailboxBuffer),
		}
		o.mailboxes[sessionID] = mb
		o.wg.Add(1)
		go o.runMailbox(mb)
	}
	o.mu.Unlock()

	select {
	case mb.events <- ev:
	default:
		// Every handler is idempotent, so dropping overflow from a burst of
		// duplicate events is harmless.
		log.Warn().
			Str("sessionId", sessionID).
			Str("event", string(ev.Type)).
			Msg("session mailbox full, dropping event")
	}
}

func (o *Orchestrator) runMailbox(mb *mailbox) {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev := <-mb.events:
			terminal := o.handle(context.Background(), mb.sessionID, ev)
			if terminal {
				o.mu.Lock()
				delete(o.mailboxes, mb.sessionID)
				o.mu.Unlock()
				return
			}
		}
	}
}
