package controller

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/opmon"
	"github.com/DUNE-DAQ/readoutmodules/pkg/tlsutil"
)

const (
	// maxCommandSize bounds HTTP and NATS command bodies
	maxCommandSize = 1 << 20

	natsReadyTimeout = 5 * time.Second
)

// CommandSubject is the NATS request subject for app
func CommandSubject(app string) string {
	return "readout." + app + ".command"
}

// Handler returns the HTTP surface: /metrics, /health, /healthz, /info and
// POST /command.
func (a *Application) Handler() http.Handler {
	mux := http.NewServeMux()
	if a.registry != nil {
		mux.Handle("/metrics", a.registry.Handler())
	}
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/healthz", a.handleLiveness)
	mux.HandleFunc("/info", a.handleInfo)
	mux.HandleFunc("/command", a.handleCommand)
	return mux
}

func (a *Application) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := a.Health()

	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		a.logger.Error("Failed to encode health response", "error", err)
	}
}

func (a *Application) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *Application) handleInfo(w http.ResponseWriter, r *http.Request) {
	level := component.InfoLevelCounters
	if raw := r.URL.Query().Get("level"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < component.InfoLevelState {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		level = n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Infos(level)); err != nil {
		a.logger.Error("Failed to encode info response", "error", err)
	}
}

func (a *Application) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		http.Error(w, "invalid command: "+err.Error(), http.StatusBadRequest)
		return
	}

	reply := a.Execute(r.Context(), cmd)
	w.Header().Set("Content-Type", "application/json")
	if !reply.Success {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_, _ = w.Write(encodeReply(reply))
}

// handleRequest serves one NATS command request
func (a *Application) handleRequest(ctx context.Context, data []byte) []byte {
	if len(data) > maxCommandSize {
		return encodeReply(Reply{Error: "command too large"})
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return encodeReply(Reply{Error: "invalid command: " + err.Error()})
	}
	return encodeReply(a.Execute(ctx, cmd))
}

// ServeNATS answers command requests on CommandSubject until the client closes
func (a *Application) ServeNATS(ctx context.Context) error {
	if a.client == nil {
		return errors.WrapInvalid(errors.ErrNoConnection, "Application", "ServeNATS", "nats client check")
	}
	waitCtx, cancel := context.WithTimeout(ctx, natsReadyTimeout)
	defer cancel()
	if err := a.client.WaitForConnection(waitCtx); err != nil {
		return errors.WrapTransient(err, "Application", "ServeNATS", "wait for connection")
	}

	subject := CommandSubject(a.cfg.Application)
	if err := a.client.Respond(ctx, subject, a.handleRequest); err != nil {
		return errors.Wrap(err, "Application", "ServeNATS", "subscribe "+subject)
	}
	a.logger.Info("Serving commands", "subject", subject)
	return nil
}

// ServeHTTP starts the HTTP listener on addr and returns the bound address
func (a *Application) ServeHTTP(addr string) (string, error) {
	a.httpMu.Lock()
	defer a.httpMu.Unlock()

	if a.httpServer != nil {
		return "", errors.Errorf(errors.ErrInvalidState, "HTTP server already started")
	}

	tlsConfig, err := tlsutil.LoadServer(a.cfg.HTTP.TLS)
	if err != nil {
		return "", err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.WrapTransient(err, "Application", "ServeHTTP", "listen "+addr)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	server := &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	a.httpServer = server

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", "error", err)
		}
	}()

	a.logger.Info("HTTP server listening", "address", ln.Addr().String(), "tls", tlsConfig != nil)
	return ln.Addr().String(), nil
}

func (a *Application) stopHTTP(ctx context.Context) error {
	a.httpMu.Lock()
	defer a.httpMu.Unlock()

	if a.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()

	err := a.httpServer.Shutdown(ctx)
	a.httpServer = nil
	if err != nil {
		return errors.WrapTransient(err, "Application", "stopHTTP", "shutdown")
	}
	return nil
}

// publisher builds the snapshot publisher from the opmon config
func (a *Application) publisher(ctx context.Context) (*opmon.Publisher, error) {
	opts := []opmon.Option{
		opmon.WithInterval(a.cfg.OpMon.Interval.Std()),
		opmon.WithLevel(a.cfg.OpMon.Level),
		opmon.WithLogger(a.logger),
	}
	if a.cfg.OpMon.Log {
		opts = append(opts, opmon.WithSink(opmon.NewLogSink(a.logger, slog.LevelInfo)))
	}
	if a.cfg.OpMon.KV {
		sink, err := opmon.OpenKVSink(ctx, a.client, a.cfg.OpMon.Bucket, a.cfg.Application, 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opmon.WithSink(sink))
	}
	return opmon.NewPublisher(a.cfg.Application, a.Infos, opts...), nil
}

// Run serves HTTP and NATS commands and publishes snapshots until ctx is
// cancelled, then shuts the application down.
func (a *Application) Run(ctx context.Context) error {
	if a.cfg.HTTP.Address != "" {
		if _, err := a.ServeHTTP(a.cfg.HTTP.Address); err != nil {
			return err
		}
	}
	if a.client != nil {
		if err := a.ServeNATS(ctx); err != nil {
			_ = a.stopHTTP(ctx)
			return err
		}
	}

	pub, err := a.publisher(ctx)
	if err != nil {
		_ = a.stopHTTP(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pub.Run(gctx) })
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
