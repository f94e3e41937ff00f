// Package main is a smoke-test utility that checks a running server answers its
// health and readiness probes and accepts an actor token. It is meant for quick
// post-deployment checks without curl or a full integration suite.
//
//	QMS_API_URL=http://localhost:8080 QMS_TOKEN=... test-api rec-123
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("QMS_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}

	failed := false
	for _, path := range []string{"/health", "/ready"} {
		if !check(client, base+path, "") {
			failed = true
		}
	}
	if token := os.Getenv("QMS_TOKEN"); token != "" && len(os.Args) > 1 {
		if !check(client, base+"/api/v1/records/"+os.Args[1]+"/permissions", token) {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func check(client *http.Client, url, token string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return false
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("GET %s: %v\n", url, err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading body: %v\n", err)
		return false
	}
	fmt.Printf("GET %s -> %d\n%s\n", url, resp.StatusCode, string(body))
	return resp.StatusCode == http.StatusOK
}
