package community

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	firebase "firebase.google.com/go/v4"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/klipach/community/auth"
	"github.com/klipach/community/config"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/logger"
	"github.com/klipach/community/metrics"
	"github.com/klipach/community/rtdb"
	"github.com/klipach/community/store"
)

const (
	loggerName          = "community"
	gcloudFuncSourceDir = "serverless_function_source_code"
)

var (
	gatewayOnce sync.Once
	gateway     *Gateway
	gatewayErr  error
)

func init() {
	functions.HTTP("Stream", Stream)
	functions.HTTP("Action", Action)
	functions.HTTP("Socket", Socket)
	functions.HTTP("Metrics", Metrics)
	fixDir()
}

// in GCP Functions, source code is placed in a directory named "serverless_function_source_code"
func fixDir() {
	fileInfo, err := os.Stat(gcloudFuncSourceDir)
	if err == nil && fileInfo.IsDir() {
		_ = os.Chdir(gcloudFuncSourceDir)
	}
}

func Stream(w http.ResponseWriter, r *http.Request) {
	serve(w, r, (*Gateway).Stream)
}

func Action(w http.ResponseWriter, r *http.Request) {
	serve(w, r, (*Gateway).Action)
}

func Socket(w http.ResponseWriter, r *http.Request) {
	serve(w, r, (*Gateway).Socket)
}

func Metrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func serve(w http.ResponseWriter, r *http.Request, h func(*Gateway, http.ResponseWriter, *http.Request)) {
	g, err := defaultGateway()
	if err != nil {
		log.Default().Error("error while initializing gateway", slog.String(log.ErrorMsgLogField, err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	ctx := log.WithLogger(r.Context(), g.logger)
	if trace := r.Header.Get("X-Cloud-Trace-Context"); trace != "" {
		ctx = log.WithTraceID(ctx, trace)
	}
	h(g, w, r.WithContext(ctx))
}

func defaultGateway() (*Gateway, error) {
	gatewayOnce.Do(func() {
		gateway, gatewayErr = buildGateway(context.Background())
	})
	return gateway, gatewayErr
}

func buildGateway(ctx context.Context) (*Gateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	l, _ := logger.New(ctx, loggerName, log.ParseLevel(cfg.LogLevel))

	if cfg.Backend == config.BackendMemory {
		mem := store.NewMemory()
		dial := func(context.Context) (Conn, error) {
			return mem.Connect(), nil
		}
		l.Warn("memory backend: bearer tokens are taken as user ids")
		return NewGateway(AuthenticatorFunc(localPrincipal), dial, cfg, l), nil
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{
		DatabaseURL: cfg.DatabaseURL,
		ProjectID:   cfg.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	verifier, err := auth.NewVerifier(ctx, app)
	if err != nil {
		return nil, err
	}
	client, err := rtdb.NewDatabase(ctx, app, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	dial := func(ctx context.Context) (Conn, error) {
		return rtdb.New(context.WithoutCancel(ctx), client,
			rtdb.WithPollInterval(cfg.PollInterval),
			rtdb.WithLogger(l),
		), nil
	}
	return NewGateway(verifier, dial, cfg, l), nil
}

// localPrincipal trusts the bearer token as a user id. It is only used with
// the memory backend.
func localPrincipal(r *http.Request) (contract.Principal, error) {
	uid, err := auth.BearerTokenFromRequest(r)
	if err != nil {
		return contract.Principal{}, err
	}
	if !store.ValidKey(uid) {
		return contract.Principal{}, fmt.Errorf("%q: %w", uid, store.ErrInvalidPath)
	}
	return contract.Principal{UID: uid, DisplayName: uid}, nil
}
