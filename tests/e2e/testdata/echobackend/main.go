// Command echobackend is a disposable HTTP backend used only by the e2e
// suite: it reads its listen port from $PORT (set by the process launcher),
// answers /health with 200, and every other path with the body named by
// $ECHO_BODY (or "ok").
package main

import (
	"fmt"
	"net/http"
	"os"
)

func main() {
	port := os.Getenv("PORT")
	body := os.Getenv("ECHO_BODY")
	if body == "" {
		body = "ok"
	}
	readyURL := os.Getenv("SERVERLESS_PROXY_READY_URL")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})

	if readyURL != "" {
		go func() {
			_, _ = http.Post(readyURL, "application/json", nil)
		}()
	}

	if err := http.ListenAndServe("127.0.0.1:"+port, mux); err != nil {
		fmt.Fprintln(os.Stderr, "echobackend:", err)
		os.Exit(1)
	}
}
