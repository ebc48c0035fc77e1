package receipt

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/shopspring/decimal"
)

// maxRequestBody bounds JSON request bodies
const maxRequestBody = 1 << 20

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// pathID parses the {id} path value
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// handleListReceipts returns all receipts, or only unreimbursed ones with ?status=unreimbursed
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts()
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	switch r.URL.Query().Get("status") {
	case "":
	case "unreimbursed":
		receipts = slices.DeleteFunc(receipts, func(rc *Receipt) bool { return rc.IsReimbursed })
	case "reimbursed":
		receipts = slices.DeleteFunc(receipts, func(rc *Receipt) bool { return !rc.IsReimbursed })
	default:
		corsError(w, "Unknown status filter", http.StatusBadRequest)
		return
	}

	if receipts == nil {
		receipts = []*Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		corsError(w, "Receipt ID required", http.StatusBadRequest)
		return
	}
	receipt, err := s.service.GetReceipt(id)
	if errors.Is(err, ErrNotFound) {
		corsError(w, "Receipt not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error getting receipt", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the file for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		corsError(w, "Receipt ID required", http.StatusBadRequest)
		return
	}
	data, contentType, err := s.service.GetReceiptFile(id)
	if errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Receipt file unavailable", "id", id, "error", err)
		corsError(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error reading receipt file", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleListReimbursements returns all reimbursements in timestamp order
func (s *Server) handleListReimbursements(w http.ResponseWriter, r *http.Request) {
	reimbursements, err := s.service.ListReimbursements()
	if err != nil {
		slog.Error("Error listing reimbursements", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Ensure we always return an array, not nil
	if reimbursements == nil {
		reimbursements = []*Reimbursement{}
	}
	writeJSON(w, http.StatusOK, reimbursements)
}

// handleGetReimbursement returns a reimbursement with its receipts
func (s *Server) handleGetReimbursement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		corsError(w, "Reimbursement ID required", http.StatusBadRequest)
		return
	}
	reimbursement, receipts, err := s.service.GetReimbursementWithReceipts(id)
	if errors.Is(err, ErrNotFound) {
		corsError(w, "Reimbursement not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error getting reimbursement", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reimbursement": reimbursement,
		"receipts":      receipts,
	})
}

type reimbursementRequest struct {
	Amount decimal.Decimal `json:"amount"`
	// ReceiptIDs, when set, must match the selection the server computes
	ReceiptIDs []int64 `json:"receipt_ids,omitempty"`
}

func decodeReimbursementRequest(w http.ResponseWriter, r *http.Request) (*reimbursementRequest, bool) {
	var req reimbursementRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if req.Amount.IsNegative() {
		writeJSONError(w, http.StatusBadRequest, "Amount must not be negative")
		return nil, false
	}
	return &req, true
}

// handlePreviewReimbursement returns the receipts a request for the given amount would use
func (s *Server) handlePreviewReimbursement(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReimbursementRequest(w, r)
	if !ok {
		return
	}

	selection, err := s.service.Preview(req.Amount)
	if err != nil {
		slog.Error("Error previewing reimbursement", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, selection)
}

// handleCreateReimbursement selects receipts for the amount and commits them.
// A client that previewed first sends the previewed receipt IDs; if the
// selection changed in the meantime nothing is committed.
func (s *Server) handleCreateReimbursement(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReimbursementRequest(w, r)
	if !ok {
		return
	}

	var confirm ConfirmSelectionFunc
	if req.ReceiptIDs != nil {
		confirm = func(selection *Selection) (bool, error) {
			return slices.Equal(selection.IDs(), req.ReceiptIDs), nil
		}
	}

	reimbursement, _, err := s.service.RequestReimbursement(req.Amount, confirm)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, reimbursement)
	case errors.Is(err, ErrNothingSelected):
		writeJSONError(w, http.StatusUnprocessableEntity, "No unreimbursed receipts fit the requested amount")
	case errors.Is(err, ErrCancelled):
		writeJSONError(w, http.StatusConflict, "Selection changed since preview")
	case errors.Is(err, ErrAlreadyReimbursed), errors.Is(err, ErrNotFound):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Error creating reimbursement", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleScan reconciles a receipts directory, defaulting to the configured one
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	dir, ok := s.requestedDir(req.Path)
	if !ok {
		writeJSONError(w, http.StatusForbidden, "Scanning other directories requires authentication")
		return
	}

	report, err := s.service.Scan(dir)
	if err != nil {
		s.directoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleCheckInvalid lists files that do not follow the naming convention
func (s *Server) handleCheckInvalid(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.requestedDir(r.URL.Query().Get("path"))
	if !ok {
		writeJSONError(w, http.StatusForbidden, "Checking other directories requires authentication")
		return
	}

	invalid, err := s.service.CheckInvalid(dir)
	if err != nil {
		s.directoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invalid)
}

// requestedDir resolves an optional path parameter. Directories other than
// the configured receipts directory are only served behind basic auth.
func (s *Server) requestedDir(path string) (string, bool) {
	if path == "" || filepath.Clean(path) == filepath.Clean(s.receiptsDir) {
		return s.receiptsDir, true
	}
	if !s.basicAuth.Enabled() {
		slog.Warn("Refusing unauthenticated request for another directory", "path", path)
		return "", false
	}
	return path, true
}

func (s *Server) directoryError(w http.ResponseWriter, err error) {
	var notFound *DirectoryNotFoundError
	if errors.As(err, &notFound) {
		writeJSONError(w, http.StatusNotFound, notFound.Error())
		return
	}
	slog.Error("Error reading receipts directory", "error", err)
	writeJSONError(w, http.StatusInternalServerError, "Internal server error")
}

// handleSummary returns available and reimbursed totals
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.Summary()
	if err != nil {
		slog.Error("Error building summary", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleReport returns every reimbursement with its receipt filenames
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Report()
	if err != nil {
		slog.Error("Error building report", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
