package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanrecon/pkg/config"
	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/models"
	"github.com/mcclellann/loanrecon/pkg/notify"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
)

// loanReferencePattern extracts a loan reference from a free-text description.
var loanReferencePattern = regexp.MustCompile(`(?i)LN\d{8,}`)

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	notifier *notify.Dispatcher
}

// NewServer wires a server over s. notifier may be nil.
func NewServer(s store.Storage, notifier *notify.Dispatcher) *Server {
	return &Server{
		ledger:   ledger.NewLedger(s),
		storage:  s,
		notifier: notifier,
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/payments", s.paymentsByDateHandler).Methods("GET")
	router.HandleFunc("/payments/{reference}/refunds", s.refundsHandler).Methods("GET")
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans/reference/{reference}", s.getLoanByReferenceHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	return router
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Data    any               `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type paymentRequest struct {
	FirstName   string           `json:"firstname"`
	LastName    string           `json:"lastname"`
	PaymentDate string           `json:"paymentDate"`
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description"`
	RefID       string           `json:"refId"`
}

func (req paymentRequest) missingFields() map[string]string {
	missing := make(map[string]string)
	for field, value := range map[string]string{
		"firstname":   req.FirstName,
		"lastname":    req.LastName,
		"paymentDate": req.PaymentDate,
		"description": req.Description,
		"refId":       req.RefID,
	} {
		if strings.TrimSpace(value) == "" {
			missing[field] = "required"
		}
	}
	if req.Amount == nil {
		missing["amount"] = "required"
	}
	return missing
}

func (req paymentRequest) record() models.PaymentRecord {
	reference := req.Description
	if m := loanReferencePattern.FindString(reference); m != "" {
		reference = strings.ToUpper(m)
	}
	return models.PaymentRecord{
		Row:              1,
		PaymentDate:      req.PaymentDate,
		PayerName:        req.FirstName,
		PayerSurname:     req.LastName,
		Amount:           req.Amount.String(),
		LoanReference:    reference,
		PaymentReference: req.RefID,
	}
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "Invalid request body.", Errors: map[string]string{"body": err.Error()}})
		return
	}
	if missing := req.missingFields(); len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "Validation failed.", Errors: missing})
		return
	}

	receipt, err := s.ledger.RecordPayment(r.Context(), req.record())
	var rejection *ledger.RejectionError
	switch {
	case errors.Is(err, ledger.ErrPaymentConflict):
		writeJSON(w, http.StatusConflict, envelope{Message: "Duplicate payment reference.", Errors: map[string]string{"refId": models.CodeDuplicate.String()}})
		return
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusBadRequest, envelope{Message: "Validation failed.", Errors: map[string]string{rejectedField(rejection.Code): rejection.Code.String()}})
		return
	case err != nil:
		log.Printf("Error recording payment %s: %v", req.RefID, err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "Failed to record payment."})
		return
	}

	if s.notifier != nil {
		if err := s.notifier.Committed(r.Context(), []*models.Loan{receipt.Loan}, nil); err != nil {
			log.Printf("Could not queue notifications for payment %s: %v", req.RefID, err)
		}
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: receipt})
}

// rejectedField names the request field a rejection code refers to.
func rejectedField(code models.Code) string {
	switch code {
	case models.CodeAmount:
		return "amount"
	case models.CodePaymentDate:
		return "paymentDate"
	case models.CodeLoanReference, models.CodeAlreadyPaid:
		return "description"
	case models.CodeDuplicate:
		return "refId"
	default:
		return "payment"
	}
}

func (s *Server) paymentsByDateHandler(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	payments, err := s.ledger.PaymentsByDate(r.Context(), date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) refundsHandler(w http.ResponseWriter, r *http.Request) {
	refunds, err := s.ledger.RefundsForPayment(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if refunds == nil {
		refunds = []*models.Refund{}
	}
	writeJSON(w, http.StatusOK, refunds)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	s.writeLoan(w, loan, err)
}

func (s *Server) getLoanByReferenceHandler(w http.ResponseWriter, r *http.Request) {
	loan, err := s.ledger.GetLoanByReference(r.Context(), mux.Vars(r)["reference"])
	s.writeLoan(w, loan, err)
}

func (s *Server) writeLoan(w http.ResponseWriter, loan *models.Loan, err error) {
	if errors.Is(err, store.ErrLoanNotFound) {
		http.Error(w, "Loan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.GetAllLoans(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

func main() {
	cfg, err := config.Load(os.Getenv("RECON_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		log.Fatalf("Failed to initialize SQLite store: %v", err)
	}
	defer sqliteStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var notifier *notify.Dispatcher
	if cfg.Notify.Enabled {
		notifier = notify.NewDispatcher(notify.LogSender{}, sqliteStore, notify.Options{
			MaxAttempts:   cfg.Notify.MaxAttempts,
			Backoff:       cfg.Notify.Backoff,
			QueueSize:     cfg.Notify.QueueSize,
			OperatorEmail: cfg.Notify.OperatorEmail,
		})
		notifier.Start(ctx)
		defer notifier.Stop()
	}

	server := NewServer(sqliteStore, notifier)

	if cfg.Import.Interval > 0 {
		go server.scheduleImports(ctx, cfg.Import)
	}

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Server starting on %s", cfg.Server.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Println("Server stopped.")
}
