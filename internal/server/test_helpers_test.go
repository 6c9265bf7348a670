package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/consensus"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type testAPI struct {
	handler    http.Handler
	engine     *consensus.Service
	dispatcher *RealtimeDispatcher
	recorder   *metrics.Recorder
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatalf("failed to build recorder: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	engine, err := consensus.NewService(consensus.ServiceConfig{
		Database:   db,
		IDProvider: consensus.NewUUIDProvider(),
		Registry: fields.MustRegistry(
			fields.Definition{Key: "name", Essential: true, AccountabilityMetric: 1},
			fields.Definition{Key: "website", AccountabilityMetric: 0.5},
		),
		Rules:   consensus.DefaultRules(),
		Metrics: recorder,
		Sink:    dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db, Profiles: engine})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          sessions,
		Users:             identities,
		Engine:            engine,
		Realtime:          dispatcher,
		Metrics:           recorder,
		Gatherer:          registry,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testAPI{handler: handler, engine: engine, dispatcher: dispatcher, recorder: recorder}
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (api *testAPI) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+sessionToken(t, userID))
	}
	recorder := httptest.NewRecorder()
	api.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

type createProjectResponse struct {
	Project projectPayload `json:"project"`
	Draft   draftPayload   `json:"draft"`
	Votes   []votePayload  `json:"votes"`
}

func (api *testAPI) mustCreateProject(t *testing.T, creator string, items ...fieldValuePayload) createProjectResponse {
	t.Helper()
	recorder := api.do(t, http.MethodPost, "/projects", creator, draftRequestPayload{Items: items})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected project to be created, got %d: %s", recorder.Code, recorder.Body.String())
	}
	return decodeBody[createProjectResponse](t, recorder)
}
