package server

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/raterudder/pvcast/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandleUpdate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("FetchAndMerge", mock.Anything, true).Return(engine.Outcome{
			Kind:     engine.OutcomeSuccess,
			UpdateID: "abc",
			Updated:  2,
			Total:    2,
		}, nil).Once()

		rr := do(t, h, http.MethodPost, "/api/update?force=true", "")
		require.Equal(t, http.StatusOK, rr.Code)
		var res updateResponse
		decode(t, rr, &res)
		assert.Equal(t, engine.OutcomeSuccess, res.Kind)
		assert.Equal(t, "abc", res.UpdateID)
		assert.Equal(t, "2 sites updated", res.Message)
		m.AssertExpectations(t)
	})

	t.Run("partial", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("FetchAndMerge", mock.Anything, false).Return(engine.Outcome{
			Kind:    engine.OutcomePartial,
			Updated: 1,
			Total:   2,
			Failed:  map[string]string{"2222": "not_found"},
		}, nil).Once()

		rr := do(t, h, http.MethodPost, "/api/update", "")
		require.Equal(t, http.StatusOK, rr.Code)
		var res updateResponse
		decode(t, rr, &res)
		assert.Equal(t, engine.OutcomePartial, res.Kind)
		assert.Equal(t, map[string]string{"2222": "not_found"}, res.Failed)
		assert.Equal(t, "partial failure, 1 of 2 sites updated", res.Message)
	})

	t.Run("fatal", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("FetchAndMerge", mock.Anything, false).Return(engine.Outcome{
			Kind: engine.OutcomeFatal,
			Err:  errors.New("api key is invalid"),
		}, nil).Once()

		rr := do(t, h, http.MethodPost, "/api/update", "")
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Contains(t, rr.Body.String(), "api key is invalid")
	})

	t.Run("in progress", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("FetchAndMerge", mock.Anything, false).Return(engine.Outcome{}, engine.ErrUpdateInProgress).Once()

		rr := do(t, h, http.MethodPost, "/api/update", "")
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("save failure", func(t *testing.T) {
		_, m, h := newTestServer(t)
		m.On("FetchAndMerge", mock.Anything, false).Return(engine.Outcome{}, errors.New("disk full")).Once()

		rr := do(t, h, http.MethodPost, "/api/update", "")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "disk full")
	})

	t.Run("invalid force", func(t *testing.T) {
		_, m, h := newTestServer(t)
		rr := do(t, h, http.MethodPost, "/api/update?force=maybe", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		m.AssertNotCalled(t, "FetchAndMerge", mock.Anything, mock.Anything)
	})

	t.Run("get not allowed", func(t *testing.T) {
		_, _, h := newTestServer(t)
		rr := do(t, h, http.MethodGet, "/api/update", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("requester is logged", func(t *testing.T) {
		srv, m, _ := newTestServer(t)
		srv.bypassAuth = false
		srv.updateEmails = []string{"ops@example.com"}
		srv.oidcVerifiers = map[string]tokenVerifier{
			"test": func(ctx context.Context, raw string) (string, error) { return "ops@example.com", nil },
		}
		m.On("FetchAndMerge", mock.MatchedBy(func(ctx context.Context) bool {
			return ctx.Value(emailContextKey) == "ops@example.com"
		}), false).Return(engine.Outcome{Kind: engine.OutcomeSkipped}, nil).Once()

		rr := doAuth(t, srv.setupHandler(), http.MethodPost, "/api/update", "", "Bearer token")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "skipped")
		m.AssertExpectations(t)
	})
}
