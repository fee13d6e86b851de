package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/recall"
)

// maxUploadBytes bounds one upload request body.
const maxUploadBytes = 100 << 20

// Admin surface: tenant lifecycle, behind the shared bearer secret.

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		APIKey string `json:"openai_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tenant, err := s.recall.CreateTenant(r.Context(), req.ID, req.Name, req.APIKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// The access token is shown once, at creation.
	writeJSON(w, http.StatusOK, map[string]string{
		"id":           tenant.ID,
		"name":         tenant.Name,
		"access_token": tenant.AccessToken,
	})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.recall.GetTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRecallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.recall.ListTenants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

func (s *Server) handleRenameTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.recall.RenameTenant(r.Context(), chi.URLParam(r, "id"), req.Name); err != nil {
		writeRecallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	if err := s.recall.DeleteTenant(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeRecallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Tenant surface: document operations, behind the tenant access token.

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no tenant")
		return
	}
	docs, err := s.recall.ListDocuments(r.Context(), tenant.ID)
	if err != nil {
		writeRecallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no tenant")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}

	var inputs []recall.UploadInput
	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			f, err := hdr.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
				return
			}
			inputs = append(inputs, recall.UploadInput{Name: hdr.Filename, Data: data})
		}
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "no files in request")
		return
	}

	results, err := s.recall.Upload(r.Context(), tenant.ID, inputs)
	if err != nil {
		writeRecallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no tenant")
		return
	}
	if err := s.recall.DeleteDocument(r.Context(), tenant.ID, chi.URLParam(r, "id")); err != nil {
		writeRecallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no tenant")
		return
	}
	var req struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	results, err := s.recall.Search(r.Context(), tenant.ID, req.Query, req.MaxResults)
	if err != nil {
		writeRecallError(w, err)
		return
	}
	if results == nil {
		results = []recall.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func writeRecallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recall.ErrTenantNotFound), errors.Is(err, recall.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
