package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/retailcore/internal/jobs"
	"github.com/lalith-99/retailcore/internal/middleware"
	"github.com/lalith-99/retailcore/internal/observ"
)

// JobQueue is the part of jobs.Queue the HTTP layer uses.
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...jobs.EnqueueOption) (string, error)
	Status(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
	Watch(ctx context.Context, id string) (<-chan *jobs.Job, error)
}

var _ JobQueue = (*jobs.Queue)(nil)

// JobHandler serves /api/jobs. The tenant always comes from the request
// context bound by RequireTenant, never from the body.
type JobHandler struct {
	queue    JobQueue
	upgrader websocket.Upgrader
}

func NewJobHandler(queue JobQueue, allowedOrigins []string) *JobHandler {
	return &JobHandler{
		queue: queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

type enqueueRequest struct {
	Type           string          `json:"type" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	Queue          string          `json:"queue"`
	Priority       *int            `json:"priority"`
	DelaySeconds   int             `json:"delay_seconds" binding:"gte=0"`
	MaxRetries     *int            `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (r enqueueRequest) options() []jobs.EnqueueOption {
	var opts []jobs.EnqueueOption
	if r.Queue != "" {
		opts = append(opts, jobs.WithQueue(r.Queue))
	}
	if r.Priority != nil {
		opts = append(opts, jobs.WithPriority(*r.Priority))
	}
	if r.DelaySeconds > 0 {
		opts = append(opts, jobs.WithDelay(time.Duration(r.DelaySeconds)*time.Second))
	}
	if r.MaxRetries != nil {
		opts = append(opts, jobs.WithMaxRetries(*r.MaxRetries))
	}
	if r.IdempotencyKey != "" {
		opts = append(opts, jobs.WithIdempotencyKey(r.IdempotencyKey))
	}
	return opts
}

// Enqueue handles POST /api/jobs.
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if !bindJSON(c, &req) {
		return
	}
	id, err := h.queue.Enqueue(c.Request.Context(), req.Type, req.Payload, req.options()...)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id})
}

// Status handles GET /api/jobs/:id.
func (h *JobHandler) Status(c *gin.Context) {
	job, err := h.queue.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel handles DELETE /api/jobs/:id. Only jobs still waiting in the
// queue can be cancelled; anything else is a 409.
func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// Watch handles GET /api/jobs/:id/watch. It upgrades to a websocket and
// sends the job document on every state change until the job is terminal.
func (h *JobHandler) Watch(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before upgrading so ownership errors are plain HTTP errors.
	updates, err := h.queue.Watch(ctx, c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		observ.FromContext(ctx).Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The read side only notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case job, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(job); err != nil {
				observ.FromContext(ctx).Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

// originChecker accepts same-origin requests, non-browser clients, and the
// configured storefront origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] || set["*"] {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}
