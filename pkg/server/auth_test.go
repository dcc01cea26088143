package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/raterudder/pvcast/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func doAuth(t *testing.T, h http.Handler, method, target, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuthMiddleware(t *testing.T) {
	newAuthServer := func(t *testing.T) (*mockForecaster, http.Handler) {
		srv, m, _ := newTestServer(t)
		srv.bypassAuth = false
		srv.updateEmails = []string{"ops@example.com"}
		srv.oidcVerifiers = map[string]tokenVerifier{
			"test": func(ctx context.Context, raw string) (string, error) {
				switch raw {
				case "good":
					return "ops@example.com", nil
				case "other":
					return "someone@example.com", nil
				}
				return "", errors.New("bad token")
			},
		}
		return m, srv.setupHandler()
	}

	t.Run("reads need no token", func(t *testing.T) {
		m, h := newAuthServer(t)
		m.On("HardLimit").Return([]float64{6}).Once()
		rr := doAuth(t, h, http.MethodGet, "/api/hardlimit", "", "")
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		m, h := newAuthServer(t)
		rr := doAuth(t, h, http.MethodPost, "/api/hardlimit", `{"values":[1]}`, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		m.AssertNotCalled(t, "SetHardLimit", mock.Anything, mock.Anything)
	})

	t.Run("not bearer", func(t *testing.T) {
		_, h := newAuthServer(t)
		rr := doAuth(t, h, http.MethodPost, "/api/hardlimit", `{"values":[1]}`, "Basic Zm9vOmJhcg==")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		_, h := newAuthServer(t)
		rr := doAuth(t, h, http.MethodPost, "/api/hardlimit", `{"values":[1]}`, "Bearer nope")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("email not allowed", func(t *testing.T) {
		_, h := newAuthServer(t)
		rr := doAuth(t, h, http.MethodPost, "/api/hardlimit", `{"values":[1]}`, "Bearer other")
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("allowed", func(t *testing.T) {
		m, h := newAuthServer(t)
		m.On("SetDampening", mock.Anything, types.DefaultFactors(types.HourlyFactors), "").Return(nil).Once()
		m.On("Dampening").Return(types.Dampening{}).Once()
		rr := doAuth(t, h, http.MethodPost, "/api/dampening",
			`{"factors":[1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1,1]}`, "Bearer good")
		assert.Equal(t, http.StatusOK, rr.Code)
		m.AssertExpectations(t)
	})
}

func TestUpdateAllowed(t *testing.T) {
	s := &Server{updateEmails: []string{"a@example.com", "b@example.com"}}
	assert.True(t, s.updateAllowed("b@example.com"))
	assert.False(t, s.updateAllowed("c@example.com"))
	assert.False(t, s.updateAllowed(""))
}

func TestAuthenticateTokenNoVerifiers(t *testing.T) {
	s := &Server{}
	_, err := s.authenticateToken(context.Background(), "token")
	assert.Error(t, err)
}
