package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/mattyeh1/PsicoCare-sub001/push"
	"github.com/mattyeh1/PsicoCare-sub001/realtime"
)

const PushdVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `PsicoCare push hub.

Usage:
    pushd serve [--port=<port>]

Options:
    -h --help          Show this screen.
    --version          Show version.
    -p --port=<port>   Listen port [default: 8090].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], PushdVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	hub := push.NewHubWithDefaults(ctx)
	defer hub.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "post only", http.StatusMethodNotAllowed)
			return
		}
		message := &realtime.MessagePayload{}
		if err := json.NewDecoder(r.Body).Decode(message); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.PublishNewMessage(message)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok %s\n", PushdVersion)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		defer cancel()
		Out.Printf("pushd %s on *:%d", PushdVersion, port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Err.Printf("serve error = %s", err)
		}
	}()

	<-ctx.Done()
	server.Shutdown(context.Background())
}
