package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"github.com/adforge/api/internal/handler"
	"github.com/adforge/api/internal/jobs"
	"github.com/adforge/api/internal/logger"
	"github.com/adforge/api/internal/middleware"
	"github.com/adforge/api/internal/repository"
	"github.com/adforge/api/internal/service"
)

const (
	testJWTSecret = "test-secret-for-handlers"
	testUserID    = "test-user-123"
)

// fakeQueue records enqueued tasks instead of talking to Redis
type fakeQueue struct {
	mu        sync.Mutex
	tasks     map[string]*asynq.Task
	cancelled []string
	fail      bool
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return nil, errors.New("redis: connection refused")
	}

	var id string
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id = opt.Value().(string)
		}
	}
	q.tasks[id] = task
	return &asynq.TaskInfo{ID: id, Type: task.Type()}, nil
}

func (q *fakeQueue) CancelProcessing(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	return nil
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	registry *jobs.Registry
	queue    *fakeQueue
	auth     *middleware.AuthMiddleware
}

// setupApp wires the job routes the way main.go does, backed by the
// in-memory job store and a fake task queue
func setupApp(t *testing.T) *testApp {
	t.Helper()

	log := logger.Discard()
	registry := jobs.NewRegistry(repository.NewMemoryJobStore(), jobs.DefaultConfig(), log)
	queue := &fakeQueue{tasks: make(map[string]*asynq.Task)}

	svc := service.NewGenerationService(registry, queue, queue, 7*24*time.Hour, log)
	jobsHandler := handler.NewJobsHandler(svc, validator.New(), log)
	auth := middleware.NewAuthMiddleware(testJWTSecret, time.Hour)

	app := fiber.New()
	api := app.Group("/api", auth.Authenticate())
	jobsHandler.Register(api.Group("/ads/async"), func(c *fiber.Ctx) error { return c.Next() })

	return &testApp{app: app, registry: registry, queue: queue, auth: auth}
}

// generateToken creates a token for userID
func (ta *testApp) generateToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := ta.auth.GenerateToken(userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as testUserID.
func (ta *testApp) doAuthRequest(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return ta.doRequestAs(t, testUserID, method, path, body)
}

func (ta *testApp) doRequestAs(t *testing.T, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + ta.generateToken(t, userID),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error envelope
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	detail, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", result)
	}
	code, _ := detail["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
