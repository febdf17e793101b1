// Copyright 2025 Andres Velez
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andresdvelez/ganadero-sub000/internal/auth"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := "test-user-123"
	deviceID := "test-device-456"

	token, err := jwtAuth.GenerateToken(userID, deviceID, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}
	if claims.DeviceID != deviceID {
		t.Errorf("Expected device_id %s, got %s", deviceID, claims.DeviceID)
	}
	if claims.Subject != userID {
		t.Errorf("Expected user_id %s, got %s", userID, claims.Subject)
	}
	if claims.ExpiresAt == nil {
		t.Error("Token should carry an expiration")
	}
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user", "device", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := NewJWTAuth("secret-b").ValidateToken(token); err == nil {
		t.Error("Token signed with a different secret should not validate")
	}
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user", "device", -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := jwtAuth.ValidateToken(token); err == nil {
		t.Error("Expired token should not validate")
	}
}

func TestJWTAuth_ClientAuthenticator(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := jwtAuth.GetUserID(r)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("Expected user-1, got %s", userID)
	}

	deviceID, err := jwtAuth.GetDeviceID(r)
	if err != nil {
		t.Fatalf("GetDeviceID failed: %v", err)
	}
	if deviceID != "device-1" {
		t.Errorf("Expected device-1, got %s", deviceID)
	}

	// Missing header
	bare := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	if _, err := jwtAuth.GetUserID(bare); err == nil {
		t.Error("Request without Authorization header should fail")
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var gotUser, gotDevice string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if gotUser != "user-1" || gotDevice != "device-1" {
		t.Errorf("Context not populated: user=%s device=%s", gotUser, gotDevice)
	}

	// Invalid token is rejected before the handler runs
	r = httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for invalid token, got %d", w.Code)
	}
}
