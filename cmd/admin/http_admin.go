package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// stateCmd prints the running arena's tick, entities and connection counts.
func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	exitOn(adminRequest(os.Stdout, *baseURL, http.MethodGet, "/admin/v1/state", 5*time.Second))
}

// checkpointNowCmd asks a running server to write a checkpoint at its
// current tick.
func checkpointNowCmd(args []string) {
	fs := flag.NewFlagSet("checkpoint-now", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)
	exitOn(adminRequest(os.Stdout, *baseURL, http.MethodPost, "/admin/v1/checkpoint", 10*time.Second))
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
}

// adminRequest calls one of the server's loopback admin endpoints and copies
// the response body to w. Non-2xx responses are still printed, then
// reported as an error.
func adminRequest(w io.Writer, baseURL, method, path string, timeout time.Duration) error {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	fmt.Fprintln(w, strings.TrimRight(string(body), "\n"))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
