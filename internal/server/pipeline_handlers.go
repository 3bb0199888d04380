package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/modules/changes"
	"github.com/aristath/fundwatch/internal/modules/holdings"
)

// ChangesResponse is a changeset with its summary
type ChangesResponse struct {
	FundID  string                `json:"fund_id,omitempty"`
	Date    string                `json:"date"`
	Changes []domain.ChangeRecord `json:"changes"`
	Summary changes.Summary       `json:"summary"`
}

// SnapshotResponse is a stored holdings snapshot
type SnapshotResponse struct {
	FundID   string                   `json:"fund_id"`
	Date     string                   `json:"date"`
	Holdings []domain.HoldingSnapshot `json:"holdings"`
}

func parseDate(v string) error {
	if _, err := time.Parse(domain.DateLayout, v); err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", v)
	}
	return nil
}

// handleListFunds handles GET /api/funds
func (s *Server) handleListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := s.cfg.Funds.ListActive(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if funds == nil {
		funds = []domain.Fund{}
	}
	s.writeJSON(w, http.StatusOK, funds)
}

// handleGetFund handles GET /api/funds/{fundID}
func (s *Server) handleGetFund(w http.ResponseWriter, r *http.Request) {
	fund, err := s.cfg.Funds.Get(r.Context(), chi.URLParam(r, "fundID"))
	if errors.Is(err, holdings.ErrFundNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fund)
}

// FundRequest registers or updates a fund. Active defaults to true.
type FundRequest struct {
	Active *bool           `json:"active"`
	ID     string          `json:"fund_id"`
	Name   string          `json:"name"`
	Tier   domain.FundTier `json:"tier"`
}

// handleUpsertFund handles POST /api/funds
func (s *Server) handleUpsertFund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	fund := domain.Fund{ID: strings.TrimSpace(req.ID), Name: req.Name, Tier: req.Tier, Active: true}
	if req.Active != nil {
		fund.Active = *req.Active
	}
	if fund.ID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("fund_id is required"))
		return
	}
	switch fund.Tier {
	case "":
		fund.Tier = domain.FundTierWatched
	case domain.FundTierHeld, domain.FundTierWatched:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown tier %q", fund.Tier))
		return
	}

	if err := s.cfg.Funds.Upsert(r.Context(), fund); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	stored, err := s.cfg.Funds.Get(r.Context(), fund.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stored)
}

// handleGetSnapshot handles GET /api/snapshots?fund=X[&date=YYYY-MM-DD].
// Without a date the latest stored snapshot is returned.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fundID := r.URL.Query().Get("fund")
	if fundID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("fund is required"))
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		latest, err := s.cfg.Snapshots.GetLatestDate(ctx, fundID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		if latest == "" {
			s.writeError(w, http.StatusNotFound, fmt.Errorf("no snapshots for %s", fundID))
			return
		}
		date = latest
	} else if err := parseDate(date); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.cfg.Snapshots.GetSnapshot(ctx, fundID, date)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(rows) == 0 {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no snapshot for %s on %s", fundID, date))
		return
	}

	s.writeJSON(w, http.StatusOK, SnapshotResponse{FundID: fundID, Date: date, Holdings: rows})
}

// handleListSnapshotDates handles GET /api/snapshots/dates?fund=X&limit=N
func (s *Server) handleListSnapshotDates(w http.ResponseWriter, r *http.Request) {
	fundID := r.URL.Query().Get("fund")
	if fundID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("fund is required"))
		return
	}

	dates, err := s.cfg.Snapshots.ListDates(r.Context(), fundID, queryInt(r, "limit", 30))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	s.writeJSON(w, http.StatusOK, dates)
}

// handleGetChanges handles GET /api/changes?date=YYYY-MM-DD[&fund=X].
// Without a fund, the changes of every fund on that date are returned.
func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fundID := r.URL.Query().Get("fund")
	date := r.URL.Query().Get("date")

	if date == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("date is required"))
		return
	}
	if err := parseDate(date); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		records []domain.ChangeRecord
		err     error
	)
	if fundID != "" {
		records, err = s.cfg.Changes.GetChanges(ctx, fundID, date)
	} else {
		records, err = s.cfg.Changes.GetChangesByDate(ctx, date)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []domain.ChangeRecord{}
	}

	s.writeJSON(w, http.StatusOK, ChangesResponse{
		FundID:  fundID,
		Date:    date,
		Changes: records,
		Summary: changes.Summarize(records),
	})
}

// handleHoldingHistory handles GET /api/changes/history?fund=X&holding=Y&limit=N
func (s *Server) handleHoldingHistory(w http.ResponseWriter, r *http.Request) {
	fundID := r.URL.Query().Get("fund")
	holdingID := r.URL.Query().Get("holding")
	if fundID == "" || holdingID == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("fund and holding are required"))
		return
	}

	records, err := s.cfg.Changes.GetHoldingHistory(r.Context(), fundID, holdingID, queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []domain.ChangeRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleGetArtifact handles GET /api/artifacts/{id}
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.cfg.Artifacts.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrArtifactNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, artifact)
}
