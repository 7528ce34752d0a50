package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// End-to-end exercise of the session lifecycle against a running API:
// register, login, refresh, replay the retired refresh token (must fail),
// logout, refresh again (must fail).
func main() {
	base := os.Getenv("AUTHCORE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	email := fmt.Sprintf("smoke-%d@authcore.local", rand.New(rand.NewSource(time.Now().UnixNano())).Int())
	password := "Smoke12345"

	status, _ := post(client, base+"/v1/auth/register", "", map[string]any{
		"email":     email,
		"password":  password,
		"full_name": "Smoke Test",
	})
	if status != http.StatusCreated {
		log.Fatalf("register: expected 201, got %d", status)
	}

	status, body := post(client, base+"/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	})
	if status != http.StatusOK {
		log.Fatalf("login: expected 200, got %d", status)
	}
	firstRefresh := body["refresh_token"].(string)

	status, body = post(client, base+"/v1/auth/refresh", "", map[string]any{
		"refresh_token": firstRefresh,
	})
	if status != http.StatusOK {
		log.Fatalf("refresh: expected 200, got %d", status)
	}
	secondAccess := body["access_token"].(string)
	secondRefresh := body["refresh_token"].(string)
	if secondRefresh == firstRefresh {
		log.Fatal("refresh did not rotate the refresh token")
	}

	// The first token was retired by the rotation; replaying it must fail.
	status, _ = post(client, base+"/v1/auth/refresh", "", map[string]any{
		"refresh_token": firstRefresh,
	})
	if status != http.StatusUnauthorized {
		log.Fatalf("replayed refresh: expected 401, got %d", status)
	}

	status, _ = post(client, base+"/v1/auth/logout", secondAccess, nil)
	if status != http.StatusOK {
		log.Fatalf("logout: expected 200, got %d", status)
	}

	// Logout invalidated every session; the rotated-in token is dead too.
	status, _ = post(client, base+"/v1/auth/refresh", "", map[string]any{
		"refresh_token": secondRefresh,
	})
	if status != http.StatusUnauthorized {
		log.Fatalf("refresh after logout: expected 401, got %d", status)
	}

	fmt.Printf("✅ auth smoke test passed: %s\n", email)
}

func post(client *http.Client, url, bearerToken string, payload map[string]any) (int, map[string]any) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			log.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body
}
