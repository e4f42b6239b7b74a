package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Component health states.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// probeTimeout bounds the whole status sweep; probes run concurrently.
const probeTimeout = 5 * time.Second

type (
	// Actor is one probed component.
	Actor struct {
		// Name identifies the component (temporal, vector_store, cache...).
		Name string
		// Check reports the component's health. A nil Check marks the
		// component degraded: declared but not wired.
		Check func(ctx context.Context) error
	}

	// ActorStatus is one component's probe outcome. LastActivity is the
	// most recent successful probe of that component in this process.
	ActorStatus struct {
		Name         string    `json:"name"`
		Status       string    `json:"status"`
		Detail       string    `json:"detail,omitempty"`
		LastActivity time.Time `json:"last_activity,omitzero"`
	}

	actorsResponse struct {
		Actors    []ActorStatus `json:"actors"`
		UpdatedAt time.Time     `json:"updated_at"`
	}
)

func (s *Server) actorStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	statuses := make([]ActorStatus, len(s.actors))
	var wg sync.WaitGroup
	for i, actor := range s.actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = s.probe(ctx, actor)
		}()
	}
	wg.Wait()

	c.JSON(http.StatusOK, actorsResponse{Actors: statuses, UpdatedAt: time.Now().UTC()})
}

func (s *Server) probe(ctx context.Context, actor Actor) ActorStatus {
	st := ActorStatus{Name: actor.Name}
	switch {
	case actor.Check == nil:
		st.Status = StatusDegraded
		st.Detail = "not configured"
		st.LastActivity = s.seen(actor.Name, false)
	default:
		if err := actor.Check(ctx); err != nil {
			st.Status = StatusDown
			st.Detail = err.Error()
			st.LastActivity = s.seen(actor.Name, false)
			break
		}
		st.Status = StatusHealthy
		st.LastActivity = s.seen(actor.Name, true)
	}
	return st
}

// seen returns the actor's last successful probe time, recording the
// current probe first when it succeeded.
func (s *Server) seen(name string, healthy bool) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if healthy {
		s.lastSeen[name] = time.Now().UTC()
	}
	return s.lastSeen[name]
}
