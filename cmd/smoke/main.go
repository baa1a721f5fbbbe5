// Command smoke checks a running API: probes, session token issuance and a
// protected endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	log.SetFlags(0)
	var (
		base   = flag.String("url", envOr("B24APP_SMOKE_URL", "http://localhost:8080"), "API base URL")
		domain = flag.String("domain", "smoke.example", "Portal domain for the session token")
	)
	flag.Parse()
	baseURL := strings.TrimRight(*base, "/")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/healthz", "/readyz"} {
		if _, err := call(ctx, client, http.MethodGet, baseURL+path, "", nil); err != nil {
			log.Fatalf("%s: %v", path, err)
		}
	}

	var tok struct {
		Token string `json:"token"`
	}
	body, err := call(ctx, client, http.MethodPost, baseURL+"/api/getToken", "", map[string]any{"DOMAIN": *domain})
	if err != nil {
		log.Fatalf("getToken: %v", err)
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.Token == "" {
		log.Fatalf("getToken: unexpected body %s", body)
	}

	if _, err := call(ctx, client, http.MethodGet, baseURL+"/api/health", "", nil); err == nil {
		log.Fatal("/api/health answered without a token")
	}
	body, err = call(ctx, client, http.MethodGet, baseURL+"/api/health", tok.Token, nil)
	if err != nil {
		log.Fatalf("/api/health: %v", err)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil || health["status"] != "healthy" {
		log.Fatalf("/api/health: unexpected body %s", body)
	}

	fmt.Printf("smoke test passed against %s\n", baseURL)
}

func call(ctx context.Context, client *http.Client, method, url, token string, payload any) ([]byte, error) {
	reader := bytes.NewReader(nil)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return buf.Bytes(), fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(buf.String()))
	}
	return buf.Bytes(), nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
