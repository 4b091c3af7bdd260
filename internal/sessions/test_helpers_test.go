package sessions

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"speechcoach-backend/internal/queue"
	"speechcoach-backend/internal/shared/server/middleware"
	local "speechcoach-backend/internal/shared/storage/object/local"
)

type stubQueue struct {
	mu       sync.Mutex
	messages []queue.Message
	err      error
}

func (q *stubQueue) Send(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, msg)
	return nil
}

func (q *stubQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func newTestService(t *testing.T) (*Service, *MemoryRepo, *stubQueue) {
	t.Helper()
	repo := NewMemoryRepo()
	q := &stubQueue{}
	svc := &Service{
		Repo:     repo,
		Store:    local.New(t.TempDir()),
		Queue:    q,
		TrialTTL: 24 * time.Hour,
	}
	return svc, repo, q
}

func setupSessionRouter(t *testing.T) (*gin.Engine, *Service, *MemoryRepo, *stubQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, repo, q := newTestService(t)
	handler := NewHandler(svc)

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Identity())
	api := router.Group("/api/v1")
	handler.RegisterRoutes(api)
	return router, svc, repo, q
}

func seedSession(t *testing.T, svc *Service, ownerID string, trial bool) Session {
	t.Helper()
	session, err := svc.Create(context.Background(), CreateInput{
		OwnerID:  ownerID,
		Title:    "Team update",
		FileName: "take.m4a",
		Body:     bytes.NewReader([]byte("fake audio")),
		Trial:    trial,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func completedResult() *AnalysisResult {
	return &AnalysisResult{
		Transcript: "hello there",
		Phase:      PhaseAIEnhanced,
		OverallScores: OverallScores{
			OverallScore: NewScore(0.8),
		},
	}
}
