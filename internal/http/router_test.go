package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/http/handlers"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/service"
	"github.com/stretchr/testify/assert"
)

type acceptAll struct{}

func (acceptAll) HandleInbound(context.Context, domain.InboundMessage) error { return nil }

func (acceptAll) OnStatus(context.Context, string, string) error { return nil }

func newTestRouter() http.Handler {
	store := repository.NewMemoryStore()
	api := handlers.NewAPI(
		acceptAll{},
		acceptAll{},
		service.NewJobsService(store),
		cache.NewMemoryCache(cache.MemoryConfig{}),
		handlers.Options{},
		nil,
	)
	return NewRouter(RouterDependencies{
		API:            api,
		AuthToken:      "secret",
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	})
}

func TestRouterRoutes(t *testing.T) {
	router := newTestRouter()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", want: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{name: "webhook requires token", method: http.MethodPost, path: "/webhooks/whatsapp/messages", body: `{}`, want: http.StatusUnauthorized},
		{
			name:   "webhook accepted",
			method: http.MethodPost,
			path:   "/webhooks/whatsapp/messages",
			body:   `{"from":"100","body":"hi","message_id":"wamid-1"}`,
			token:  "secret",
			want:   http.StatusAccepted,
		},
		{
			name:   "status accepted",
			method: http.MethodPost,
			path:   "/webhooks/whatsapp/status",
			body:   `{"message_id":"wamid-1","status":"read"}`,
			token:  "secret",
			want:   http.StatusOK,
		},
		{name: "unknown job", method: http.MethodGet, path: "/v1/jobs/missing", token: "secret", want: http.StatusNotFound},
		{name: "wrong method", method: http.MethodGet, path: "/webhooks/whatsapp/status", token: "secret", want: http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			if tc.token != "" {
				request.Header.Set("Authorization", "Bearer "+tc.token)
			}
			recorder := httptest.NewRecorder()

			router.ServeHTTP(recorder, request)

			assert.Equal(t, tc.want, recorder.Code)
		})
	}
}
