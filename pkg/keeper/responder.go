package keeper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.n16f.net/log"
)

const (
	responderShutdownTimeout = 5 * time.Second

	challengePathPrefix = "/.well-known/acme-challenge/"
)

type ResponderCfg struct {
	Log    *log.Logger `json:"-"`
	Tokens *TokenMap   `json:"-"`

	Address string `json:"address"`
}

// Responder is a HTTP server answering HTTP-01 validation requests for the
// tokens of its token map. It only lives for the duration of a single
// issuance.
type Responder struct {
	Cfg ResponderCfg
	Log *log.Logger

	tokens     *TokenMap
	httpServer *http.Server
	listener   net.Listener

	wg sync.WaitGroup
}

func NewResponder(cfg ResponderCfg) *Responder {
	if cfg.Log == nil {
		cfg.Log = log.DefaultLogger("keeper")
	}

	if cfg.Address == "" {
		// The responder must be reachable by the ACME server, listening on
		// the loopback interface would be pointless.
		cfg.Address = "0.0.0.0:80"
	}

	if cfg.Tokens == nil {
		cfg.Tokens = NewTokenMap()
	}

	logger := cfg.Log.Child("responder", nil)

	httpServer := http.Server{
		Addr:     cfg.Address,
		ErrorLog: logger.StdLogger(log.LevelError),

		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       10 * time.Second,
	}

	r := Responder{
		Cfg: cfg,
		Log: logger,

		tokens:     cfg.Tokens,
		httpServer: &httpServer,
	}

	httpServer.Handler = &r

	return &r
}

func (r *Responder) Start() error {
	listener, err := net.Listen("tcp", r.Cfg.Address)
	if err != nil {
		return &BindError{Address: r.Cfg.Address, Err: err}
	}

	r.listener = listener

	r.Log.Info("challenge responder listening on %q", listener.Addr().String())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if err := r.httpServer.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				r.Log.Error("HTTP server error: %v", err)
			}
		}
	}()

	return nil
}

// Stop closes the listener and waits for running requests to complete. It
// must be called exactly once after a successful call to Start.
func (r *Responder) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(),
		responderShutdownTimeout)
	defer cancel()

	err := r.httpServer.Shutdown(ctx)
	if err != nil {
		r.httpServer.Close()
	}

	r.wg.Wait()

	if err != nil {
		return &ShutdownError{Address: r.Cfg.Address, Err: err}
	}

	r.Log.Debug(1, "challenge responder stopped")
	return nil
}

// Addr returns the address the responder listens on, or nil if it has not
// been started.
func (r *Responder) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}

	return r.listener.Addr()
}

func (r *Responder) RegisterToken(token, keyAuthorization string) {
	r.tokens.Set(token, keyAuthorization)
}

func (r *Responder) UnregisterToken(token string) {
	r.tokens.Delete(token)
}

// ServeHTTP matches the request path as is. Unlike http.ServeMux, it does
// not redirect paths which are not in canonical form: they are not
// challenge paths and get a 404 response like any other unknown path.
func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	status := r.serve(w, req)
	r.Log.Debug(2, "%s %s %d", req.Method, req.URL.String(), status)
}

func (r *Responder) serve(w http.ResponseWriter, req *http.Request) int {
	if req.Method != http.MethodGet {
		w.WriteHeader(404)
		return 404
	}

	token, found := strings.CutPrefix(req.URL.Path, challengePathPrefix)
	if !found || token == "" || strings.Contains(token, "/") {
		w.WriteHeader(404)
		return 404
	}

	keyAuthorization, found := r.tokens.Get(token)
	if !found {
		w.WriteHeader(404)
		return 404
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(200)
	w.Write([]byte(keyAuthorization))

	return 200
}
