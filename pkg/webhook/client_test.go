package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kacperjurak/goretro"
	"github.com/kacperjurak/goretro/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendResult(t *testing.T) {
	var got models.WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := goretro.Result{
		ID:     "r1",
		NegLLH: math.Inf(1),
		Params: []float64{1, math.NaN()},
		Profile: []goretro.PeglegPoint{
			{Steps: 1, LLH: -3, Gain: math.Inf(-1)},
		},
	}
	require.NoError(t, NewClient(srv.URL).Send(context.Background(), "r1", &res, nil))

	assert.Equal(t, "r1", got.ID)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.Result)
	assert.Zero(t, got.Result.NegLLH)
	assert.Equal(t, []float64{1, 0}, got.Result.Params)
	assert.Zero(t, got.Result.Profile[0].Gain)
	assert.True(t, math.IsNaN(res.Params[1]), "input result must not be modified")
}

func TestSendError(t *testing.T) {
	var got models.WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL).Send(context.Background(), "r2", nil, errors.New("no hits")))
	assert.Equal(t, "no hits", got.Error)
	assert.Nil(t, got.Result)
}

func TestSendHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Send(context.Background(), "r3", &goretro.Result{}, nil)
	assert.ErrorContains(t, err, "502")
}
