// Package bridge relays chat between a session's user and its node: prompts
// in, token frames out. Every frame is validated against session state and
// expiry, and one generation at a time is allowed per session.
package bridge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/noderpc"
	"github.com/voltgrid/coordinator/internal/repository"
	"github.com/voltgrid/coordinator/internal/sse"
)

// tokenQueueSize bounds the relay buffer between the node stream and the
// push channel. Overflow cancels the generation rather than dropping tokens.
const tokenQueueSize = 256

type Bridge struct {
	sessionRepo repository.SessionRepository
	nodeRepo    repository.NodeRepository
	nodeRPC     noderpc.Client
	broker      *sse.Broker

	idleTimeout time.Duration

	generations map[string]context.CancelFunc
	mu          sync.Mutex
	now         func() time.Time
}

func New(
	sessionRepo repository.SessionRepository,
	nodeRepo repository.NodeRepository,
	nodeRPC noderpc.Client,
	broker *sse.Broker,
	idleTimeout time.Duration,
) *Bridge {
	return &Bridge{
		sessionRepo: sessionRepo,
		nodeRepo:    nodeRepo,
		nodeRPC:     nodeRPC,
		broker:      broker,
		idleTimeout: idleTimeout,
		generations: make(map[string]context.CancelFunc),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type ChatParams struct {
	Prompt   string
	Sampling noderpc.SamplingParams
}

// HandleChatMessage validates the frame and starts the generation. It returns
// once the generation is accepted; tokens flow asynchronously through the
// push channel.
func (b *Bridge) HandleChatMessage(ctx context.Context, userID, sessionID string, params ChatParams) error {
	if strings.TrimSpace(params.Prompt) == "" {
		return apperrors.MissingRequired("prompt")
	}

	session, err := b.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil || session.UserID != userID {
		return apperrors.NotFound("session")
	}
	if session.State != model.SessionStateActive {
		return apperrors.SessionNotActive()
	}
	if session.Expired(b.now()) {
		return apperrors.SessionExpired()
	}

	node, err := b.nodeRepo.FindByID(ctx, session.NodeID)
	if err != nil {
		return apperrors.Database(err)
	}
	if node == nil {
		return apperrors.NodeUnavailable(session.NodeID)
	}

	genCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	if _, busy := b.generations[sessionID]; busy {
		b.mu.Unlock()
		cancel()
		return apperrors.GenerationBusy()
	}
	b.generations[sessionID] = cancel
	b.mu.Unlock()

	go b.run(genCtx, session, node.Endpoint, params)
	return nil
}

// CancelSession aborts any in-flight generation; called by the orchestrator
// when the session leaves active.
func (b *Bridge) CancelSession(sessionID string) {
	b.mu.Lock()
	cancel, ok := b.generations[sessionID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// InFlight reports whether a generation is running for the session.
func (b *Bridge) InFlight(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.generations[sessionID]
	return ok
}

func (b *Bridge) run(ctx context.Context, session *model.Session, endpoint string, params ChatParams) {
	defer func() {
		b.mu.Lock()
		delete(b.generations, session.ID)
		b.mu.Unlock()
	}()

	// Hard stop at session expiry: no token frames after expires_at.
	if session.ExpiresAt != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *session.ExpiresAt)
		defer cancel()
	}

	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	idleFired := make(chan struct{}, 1)
	idle := time.AfterFunc(b.idleTimeout, func() {
		select {
		case idleFired <- struct{}{}:
		default:
		}
		cancelGen()
	})
	defer idle.Stop()

	tokens := make(chan noderpc.TokenFrame, tokenQueueSize)
	relayDone := make(chan struct{})
	go b.relay(session, tokens, relayDone)

	req := noderpc.GenerateRequest{
		SessionID: session.ID,
		Prompt:    params.Prompt,
		Params:    params.Sampling,
	}

	streamErr := b.nodeRPC.Generate(genCtx, endpoint, req, func(frame noderpc.TokenFrame) error {
		idle.Reset(b.idleTimeout)
		select {
		case tokens <- frame:
			return nil
		default:
			// The client cannot keep up; cancelling beats silently dropping
			// tokens mid-response.
			return apperrors.New(apperrors.ErrCodeInternal, "backpressure")
		}
	})

	close(tokens)
	<-relayDone

	if streamErr != nil {
		select {
		case <-idleFired:
			b.publishError(session, "Generation timed out waiting for tokens")
		default:
			// A cancelled genCtx means expiry or a deliberate cancel; the
			// orchestrator already emitted the closing frame.
			b.reportStreamError(genCtx, session, streamErr)
		}
	}
}

// relay drains token frames to the push channel, accumulating the response
// for the final cumulative frame.
func (b *Bridge) relay(session *model.Session, tokens <-chan noderpc.TokenFrame, done chan<- struct{}) {
	defer close(done)

	var response strings.Builder
	var tokenCount int64

	for frame := range tokens {
		response.WriteString(frame.Token)
		tokenCount++

		b.publish(session.UserID, sse.EventAIToken, map[string]any{
			"sessionId": session.ID,
			"token":     frame.Token,
			"isFinal":   frame.IsFinal,
		})

		if frame.IsFinal {
			b.publish(session.UserID, sse.EventAIResponse, map[string]any{
				"sessionId":         session.ID,
				"response":          response.String(),
				"streamingComplete": true,
			})
		}
	}

	if tokenCount > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.nodeRepo.AddTokensGenerated(ctx, session.NodeID, tokenCount); err != nil {
			log.Warn().Err(err).Str("nodeId", session.NodeID).Msg("failed to record token count")
		}
	}
}

func (b *Bridge) reportStreamError(ctx context.Context, session *model.Session, err error) {
	// Expiry racing the stream is expected; the orchestrator already sent
	// session_ended.
	if ctx.Err() != nil {
		log.Debug().Str("sessionId", session.ID).Msg("generation cancelled")
		return
	}

	code := apperrors.GetCode(err)
	msg := "Generation failed"
	switch code {
	case apperrors.ErrCodeNodeUnavailable:
		msg = "Node did not respond"
	case apperrors.ErrCodeInternal:
		if appErr, ok := apperrors.AsAppError(err); ok && appErr.Message == "backpressure" {
			msg = "backpressure"
		}
	}

	log.Warn().Err(err).Str("sessionId", session.ID).Msg("generation stream failed")
	b.publishError(session, msg)
}

func (b *Bridge) publishError(session *model.Session, message string) {
	b.publish(session.UserID, sse.EventError, map[string]string{
		"sessionId": session.ID,
		"message":   message,
	})
}

func (b *Bridge) publish(userID, eventType string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.broker.Publish(ctx, userID, sse.NewEvent(eventType, data)); err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("eventType", eventType).Msg("failed to publish frame")
	}
}
