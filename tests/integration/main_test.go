//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/incident-escalation/internal/app"
	"github.com/bissquit/incident-escalation/internal/config"
	"github.com/bissquit/incident-escalation/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	testApp       *app.App
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
	testDB        *pgxpool.Pool
	testHook      *webhookRecorder
)

// OpenAPI spec path relative to the tests/integration directory.
const openAPISpecPath = "../../api/openapi/openapi.yaml"

// webhookRecorder stands in for the chat webhook the forwarder posts to.
type webhookRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (h *webhookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.messages = append(h.messages, payload.Text)
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *webhookRecorder) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	testHook = &webhookRecorder{}
	hookServer := httptest.NewServer(testHook)

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Storage.Driver = config.StoragePostgres
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.MaxOpenConns = 10
	cfg.Database.ConnectAttempts = 3
	cfg.Database.AutoMigrate = true
	cfg.Database.MigrationsPath = "../../migrations"
	cfg.Log.Level = "error"
	cfg.Log.Format = "text"
	// sweeps are driven explicitly by the escalation tests
	cfg.Escalation.Enabled = false
	cfg.Stream.PollInterval = 100 * time.Millisecond
	cfg.Stream.Heartbeat = time.Second
	cfg.Notifications.Enabled = true
	cfg.Notifications.WebhookURL = hookServer.URL
	cfg.Notifications.BaseURL = "https://desk.example.com"
	cfg.Notifications.RateLimit = 100
	cfg.Notifications.Burst = 100
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid test config: %v", err)
	}

	testApp, err = app.New(&cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}
	testServer = httptest.NewServer(testApp.Router())

	testDB, err = pgContainer.Pool(ctx)
	if err != nil {
		log.Fatalf("connect to test database: %v", err)
	}

	code := m.Run()

	testServer.CloseClientConnections()
	testServer.Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := testApp.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}
	cancel()
	testDB.Close()
	hookServer.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}

	os.Exit(code)
}
