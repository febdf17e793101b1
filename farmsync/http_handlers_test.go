// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticAuth struct {
	userID string
	err    error
}

func (a *staticAuth) GetUserID(r *http.Request) (string, error)   { return a.userID, a.err }
func (a *staticAuth) GetDeviceID(r *http.Request) (string, error) { return "device-1", a.err }

func TestRegisterRoutes(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{err: errors.New("no token")}, nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	for _, target := range []string{"/sync/upsert/animal", "/sync/pull"} {
		method := http.MethodPost
		if target == "/sync/pull" {
			method = http.MethodGet
		}
		r := httptest.NewRequest(method, target, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		require.Equal(t, http.StatusUnauthorized, w.Code, target)
	}
}

func TestHandleUpsertUnauthorized(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{err: errors.New("no token")}, nil)

	r := httptest.NewRequest(http.MethodPost, "/sync/upsert/animal", nil)
	w := httptest.NewRecorder()
	h.HandleUpsert(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleUpsertRejectsBadBody(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{userID: "user-1"}, nil)

	for _, body := range []string{`not json`, `{"op":"create"}`} {
		r := httptest.NewRequest(http.MethodPost, "/sync/upsert/animal", strings.NewReader(body))
		w := httptest.NewRecorder()
		h.HandleUpsert(w, r)

		require.Equal(t, http.StatusBadRequest, w.Code)
		var envelope ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
		require.Equal(t, CodeValidation, envelope.Error)
	}
}

func TestWriteServiceErrorMapping(t *testing.T) {
	h := NewHTTPHandlers(nil, &staticAuth{userID: "user-1"}, nil)

	current := json.RawMessage(`{"externalId":"x","updatedAt":"2026-03-01T10:00:00Z","name":"Server"}`)
	attempted := json.RawMessage(`{"name":"Local"}`)

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"conflict", &ConflictError{EntityType: "animal", ExternalID: "x", Current: current, Attempted: attempted}, http.StatusConflict, CodeConflict},
		{"ref not found", &RefNotFoundError{Entity: "animal", ExternalID: "x", Field: "animalExternalId"}, http.StatusUnprocessableEntity, CodeRefNotFound},
		{"unknown entity", fmt.Errorf("%w: spaceship", ErrUnknownEntity), http.StatusNotFound, CodeUnknownEntity},
		{"validation", fmt.Errorf("%w: name required", ErrValidation), http.StatusBadRequest, CodeValidation},
		{"internal", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/sync/upsert/animal", nil)
			w := httptest.NewRecorder()
			h.writeServiceError(w, r, tc.err, "animal", "x")

			require.Equal(t, tc.wantStatus, w.Code)
			var envelope ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
			require.Equal(t, tc.wantCode, envelope.Error)

			if tc.wantCode == CodeConflict {
				require.JSONEq(t, string(current), string(envelope.Current))
				require.JSONEq(t, string(attempted), string(envelope.Attempted))
			} else {
				require.Nil(t, envelope.Current)
			}
		})
	}
}
