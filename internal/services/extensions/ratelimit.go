package extensions

import (
	"context"
	"log"

	"collab-live/internal/middleware"
	"collab-live/internal/ratelimit"
	"collab-live/internal/services/collaboration"

	"go.opentelemetry.io/otel/attribute"
)

// RateLimit enforces per-user connection limits and per-socket message limits
type RateLimit struct {
	limiter *ratelimit.Limiter
	logger  collaboration.Logger
}

func NewRateLimit(limiter *ratelimit.Limiter, logger collaboration.Logger) *RateLimit {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimit{limiter: limiter, logger: logger}
}

func (r *RateLimit) Name() string { return "RateLimit" }

// OnConnect counts the connection against the user's window. A broken
// counter store lets the connection through.
func (r *RateLimit) OnConnect(ctx context.Context, p *collaboration.ConnectPayload) error {
	userID := p.Context.UserID
	if userID == "" {
		r.logger.Printf("⚠️  No user id on socket %s, skipping connection rate limit", p.Context.SocketID)
		return nil
	}

	decision, err := r.limiter.CheckConnection(ctx, userID)
	if err != nil {
		r.logger.Printf("❌ Rate limit check failed for user %s, allowing connection: %v", userID, err)
		middleware.AddSpanError(ctx, err)
		return nil
	}

	middleware.AddSpanEvent(ctx, "ratelimit.connection",
		attribute.Int64("count", decision.Count),
		attribute.Int("limit", decision.Limit),
	)
	if !decision.Allowed {
		r.logger.Printf("  User %s exceeded %d connections per %s (count %d)",
			userID, decision.Limit, r.limiter.Config().ConnectionWindow, decision.Count)
		return collaboration.ErrRateLimited
	}
	return nil
}

func (r *RateLimit) BeforeHandleMessage(ctx context.Context, p *collaboration.MessagePayload) error {
	if !r.limiter.CheckMessageRate(p.Context.SocketID) {
		return collaboration.ErrMessageRateLimited
	}
	return nil
}

func (r *RateLimit) OnDisconnect(ctx context.Context, p *collaboration.DisconnectPayload) error {
	r.limiter.Release(p.Context.SocketID)
	return nil
}
