package api

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "net/url"
    "strconv"
    "time"

    "github.com/gorilla/mux"

    "github.com/voiceops/outdial/internal/models"
    "github.com/voiceops/outdial/internal/store"
    "github.com/voiceops/outdial/pkg/errors"
    "github.com/voiceops/outdial/pkg/logger"
)

// Dialer runs dial batches.
type Dialer interface {
    Dial(ctx context.Context, userID int64, destination string, attempts int) (*models.DialResult, error)
}

// PoolInterface is the pool surface the API exposes.
type PoolInterface interface {
    Status(ctx context.Context) (*models.PoolStatus, error)
    ListLeased(ctx context.Context) ([]*models.CallerID, error)
    ForceReleaseAll(ctx context.Context) (int, error)
    ForceReleaseOldest(ctx context.Context, n int) (int, error)
}

// RecoveryInterface is the recovery surface the API exposes.
type RecoveryInterface interface {
    RunOnce(ctx context.Context)
    Stats() *models.RecoveryStats
}

// EventSink accepts provider webhook events.
type EventSink interface {
    HandleEvent(ctx context.Context, event *models.ProviderEvent) error
}

// WebhookParser decodes provider callbacks; lifecycle.ParseWebhookForm
// satisfies it.
type WebhookParser func(form url.Values) (*models.ProviderEvent, error)

// LedgerInterface is the balance surface the API exposes.
type LedgerInterface interface {
    Credit(ctx context.Context, userID, amount int64, reason string) (int64, error)
    Balance(ctx context.Context, userID int64) (int64, error)
}

// AccountStats exposes per-account monitoring counters.
type AccountStats interface {
    Stats() map[string]models.ProviderAccountStats
}

// Config holds API server settings.
type Config struct {
    Port      int
    AuthToken string
}

// Server is the HTTP control surface: provider webhooks plus the
// operator API.
type Server struct {
    dialer   Dialer
    pool     PoolInterface
    recovery RecoveryInterface
    sink     EventSink
    parse    WebhookParser
    ledger   LedgerInterface
    accounts AccountStats
    records  store.CallRecordStore

    cfg    Config
    server *http.Server
}

func NewServer(dialer Dialer, pool PoolInterface, recovery RecoveryInterface, sink EventSink, parse WebhookParser, ledger LedgerInterface, accounts AccountStats, records store.CallRecordStore, cfg Config) *Server {
    s := &Server{
        dialer:   dialer,
        pool:     pool,
        recovery: recovery,
        sink:     sink,
        parse:    parse,
        ledger:   ledger,
        accounts: accounts,
        records:  records,
        cfg:      cfg,
    }

    router := mux.NewRouter()

    // Provider-facing; authenticated by obscurity of the callback URL,
    // same as the upstream's own webhook model.
    router.HandleFunc("/webhooks/call-status", s.handleWebhook).Methods("POST")

    v1 := router.PathPrefix("/api/v1").Subrouter()
    v1.Use(s.authMiddleware)
    v1.HandleFunc("/dial", s.handleDial).Methods("POST")
    v1.HandleFunc("/pool/status", s.handlePoolStatus).Methods("GET")
    v1.HandleFunc("/pool/leases", s.handlePoolLeases).Methods("GET")
    v1.HandleFunc("/pool/release-all", s.handleReleaseAll).Methods("POST")
    v1.HandleFunc("/pool/release-oldest", s.handleReleaseOldest).Methods("POST")
    v1.HandleFunc("/recovery/stats", s.handleRecoveryStats).Methods("GET")
    v1.HandleFunc("/recovery/run", s.handleRecoveryRun).Methods("POST")
    v1.HandleFunc("/calls/active", s.handleActiveCalls).Methods("GET")
    v1.HandleFunc("/calls/{call_id}", s.handleGetCall).Methods("GET")
    v1.HandleFunc("/accounts/stats", s.handleAccountStats).Methods("GET")
    v1.HandleFunc("/balance/{user_id}", s.handleGetBalance).Methods("GET")
    v1.HandleFunc("/balance/{user_id}/credit", s.handleCredit).Methods("POST")

    s.server = &http.Server{
        Addr:         fmt.Sprintf(":%d", cfg.Port),
        Handler:      router,
        ReadTimeout:  15 * time.Second,
        WriteTimeout: 60 * time.Second,
    }

    return s
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
    return s.server.Handler
}

func (s *Server) Start() error {
    logger.WithField("addr", s.server.Addr).Info("API server started")
    return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    return s.server.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if s.cfg.AuthToken != "" {
            if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
                writeError(w, errors.New(errors.ErrAuthFailed, "invalid or missing token").WithStatusCode(401))
                return
            }
        }
        next.ServeHTTP(w, r)
    })
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
    if err := r.ParseForm(); err != nil {
        writeError(w, errors.New(errors.ErrInternal, "malformed form body").WithStatusCode(400))
        return
    }

    event, err := s.parse(r.PostForm)
    if err != nil {
        writeError(w, errors.Wrap(err, errors.ErrInternal, "bad callback").WithStatusCode(400))
        return
    }

    if err := s.sink.HandleEvent(r.Context(), event); err != nil {
        writeError(w, err)
        return
    }

    w.WriteHeader(http.StatusNoContent)
}

type dialRequest struct {
    UserID      int64  `json:"user_id"`
    Destination string `json:"destination"`
    Attempts    int    `json:"attempts"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
    var req dialRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeError(w, errors.New(errors.ErrInternal, "malformed request body").WithStatusCode(400))
        return
    }
    if req.UserID == 0 || req.Destination == "" {
        writeError(w, errors.New(errors.ErrInternal, "user_id and destination are required").WithStatusCode(400))
        return
    }

    result, err := s.dialer.Dial(r.Context(), req.UserID, req.Destination, req.Attempts)
    if err != nil {
        writeError(w, err)
        return
    }

    writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
    status, err := s.pool.Status(r.Context())
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePoolLeases(w http.ResponseWriter, r *http.Request) {
    leased, err := s.pool.ListLeased(r.Context())
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, leased)
}

func (s *Server) handleReleaseAll(w http.ResponseWriter, r *http.Request) {
    released, err := s.pool.ForceReleaseAll(r.Context())
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

func (s *Server) handleReleaseOldest(w http.ResponseWriter, r *http.Request) {
    n, err := strconv.Atoi(r.URL.Query().Get("n"))
    if err != nil || n < 1 {
        writeError(w, errors.New(errors.ErrInternal, "query parameter n must be a positive integer").WithStatusCode(400))
        return
    }

    released, err := s.pool.ForceReleaseOldest(r.Context(), n)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]int{"released": released})
}

func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, s.recovery.Stats())
}

func (s *Server) handleRecoveryRun(w http.ResponseWriter, r *http.Request) {
    s.recovery.RunOnce(r.Context())
    writeJSON(w, http.StatusOK, s.recovery.Stats())
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
    calls, err := s.records.ListNonTerminal(r.Context())
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
    callID := mux.Vars(r)["call_id"]
    record, err := s.records.GetByCallID(r.Context(), callID)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAccountStats(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, s.accounts.Stats())
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
    userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
    if err != nil {
        writeError(w, errors.New(errors.ErrInternal, "invalid user id").WithStatusCode(400))
        return
    }

    balance, err := s.ledger.Balance(r.Context(), userID)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

type creditRequest struct {
    Amount int64  `json:"amount"`
    Reason string `json:"reason"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
    userID, err := strconv.ParseInt(mux.Vars(r)["user_id"], 10, 64)
    if err != nil {
        writeError(w, errors.New(errors.ErrInternal, "invalid user id").WithStatusCode(400))
        return
    }

    var req creditRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeError(w, errors.New(errors.ErrInternal, "malformed request body").WithStatusCode(400))
        return
    }
    if req.Reason == "" {
        req.Reason = "manual-topup"
    }

    balance, err := s.ledger.Credit(r.Context(), userID, req.Amount, req.Reason)
    if err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]int64{"user_id": userID, "balance": balance})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
    status := http.StatusInternalServerError
    code := errors.ErrInternal
    message := err.Error()

    if appErr, ok := err.(*errors.AppError); ok {
        if appErr.StatusCode > 0 {
            status = appErr.StatusCode
        }
        code = appErr.Code
        message = appErr.Message

        switch appErr.Code {
        case errors.ErrCallNotFound, errors.ErrUserNotFound, errors.ErrAccountNotFound:
            if status == http.StatusInternalServerError {
                status = http.StatusNotFound
            }
        case errors.ErrResourceNotAvailable:
            if status == http.StatusInternalServerError {
                status = http.StatusConflict
            }
        }
    }

    writeJSON(w, status, map[string]string{
        "error":   string(code),
        "message": message,
    })
}
