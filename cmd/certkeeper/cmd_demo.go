package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.n16f.net/log"
	"go.n16f.net/program"
)

func addDemoCommand() {
	c := p.AddCommand("demo",
		"ensure the certificate and serve HTTPS requests with it", cmdDemo)

	c.AddOption("a", "address", "address", ":8443",
		"the address to listen on formatted as \"<host>:<port>\"")
}

func cmdDemo(p *program.Program) {
	addr := p.OptionValue("address")

	k := newKeeper()

	ctx := context.Background()

	pair, err := k.EnsureCertificate(ctx)
	if err != nil {
		p.Fatal("cannot ensure certificate: %v", err)
	}

	cert, err := pair.TLSCertificate()
	if err != nil {
		p.Fatal("cannot load certificate: %v", err)
	}

	tlsCfg := tls.Config{
		Certificates: []tls.Certificate{*cert},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(200)
		io.WriteString(w, "Hello world!\n")
	})

	serverLogger := logger.Child("http_server", nil)

	server := http.Server{
		Addr:      addr,
		TLSConfig: &tlsCfg,
		Handler:   mux,
		ErrorLog:  serverLogger.StdLogger(log.LevelError),
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		p.Fatal("cannot listen on %q: %v", addr, err)
	}

	p.Info("listening on %q", addr)

	go func() {
		err := server.ServeTLS(listener, "", "")
		if !errors.Is(err, http.ErrServerClosed) {
			p.Fatal("cannot run HTTP server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	signo := <-sigChan
	p.Info("\nreceived signal %d (%v)", signo, signo)

	server.Shutdown(ctx)
}
