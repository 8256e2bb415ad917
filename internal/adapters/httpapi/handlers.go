package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/domain"
)

type scanResponse struct {
	Record       *domain.Record `json:"record"`
	Deduplicated bool           `json:"deduplicated"`
}

type networkScanRequest struct {
	Traffic map[string]any `json:"traffic"`
	Source  string         `json:"source"`
	Rescan  bool           `json:"rescan"`
}

type listResponse struct {
	Records []domain.Record `json:"records"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (s *Server) limits() domain.Limits {
	return domain.Limits{MaxSize: s.opts.MaxUploadSize}
}

func (s *Server) handleScanFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondServiceError(w, r, domain.NewValidationError("file", fmt.Sprintf("exceeds limit of %d bytes", s.opts.MaxUploadSize)))
			return
		}
		respondServiceError(w, r, domain.NewValidationError("file", "expected a multipart form"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondServiceError(w, r, domain.NewValidationError("file", "is required"))
		return
	}
	defer file.Close()

	if header.Size > s.opts.MaxUploadSize {
		respondServiceError(w, r, domain.NewValidationError("payload", fmt.Sprintf("%d bytes exceeds limit of %d", header.Size, s.opts.MaxUploadSize)))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.opts.MaxUploadSize+1))
	if err != nil {
		respondServiceError(w, r, domain.NewValidationError("file", "could not be read"))
		return
	}

	rescan, err := parseBool("rescan", r.FormValue("rescan"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	artifact, err := domain.NewFileArtifact(header.Filename, data, header.Size, s.limits(), s.now())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	s.submit(w, r, artifact, rescan)
}

func (s *Server) handleScanNetwork(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize+multipartOverhead)

	var req networkScanRequest
	if err := decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	artifact, err := domain.NewNetworkArtifact(req.Source, req.Traffic, s.limits(), s.now())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	s.submit(w, r, artifact, req.Rescan)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, artifact domain.Artifact, rescan bool) {
	res, err := s.inspections.Submit(r.Context(), application.SubmitRequest{
		Principal: principalFrom(r.Context()),
		Artifact:  artifact,
		Rescan:    rescan,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Deduplicated {
		status = http.StatusOK
	}
	respondJSON(w, status, scanResponse{Record: res.Record, Deduplicated: res.Deduplicated})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	records, err := s.inspections.ListMine(r.Context(), principalFrom(r.Context()), page)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newListResponse(records, page))
}

func (s *Server) handleListAllRecords(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	records, err := s.inspections.ListAll(r.Context(), principalFrom(r.Context()), page)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newListResponse(records, page))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	record, err := s.inspections.Get(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	v, err := s.inspections.Verify(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, principalFrom(r.Context()))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetPrincipalStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	p, err := s.principals.SetStatus(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "externalID"), req.Status)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func recordID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, domain.NewValidationError("id", "must be a UUID")
	}
	return id, nil
}

func newListResponse(records []domain.Record, page domain.Page) listResponse {
	if records == nil {
		records = []domain.Record{}
	}
	return listResponse{Records: records, Limit: page.Limit, Offset: page.Offset}
}
