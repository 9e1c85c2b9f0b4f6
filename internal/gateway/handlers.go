package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/braydenhuang/network-threat-detector/internal/dispatch"
	"github.com/braydenhuang/network-threat-detector/internal/pipeline"
	"github.com/braydenhuang/network-threat-detector/internal/status"
	"github.com/braydenhuang/network-threat-detector/pkg/schema"
)

const (
	uploadField     = "file"
	multipartMemory = 32 << 20
)

func uploadFailure(w http.ResponseWriter, r *http.Request, code int, filename string, msg string) {
	render.Status(r, code)
	render.JSON(w, r, schema.UploadResponse{Filename: filename, Success: false, Message: &msg})
}

// handleUpload stores a capture and dispatches its extraction stage. Nothing
// is written when the health gate fails.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.Upload("too_large")
			uploadFailure(w, r, http.StatusRequestEntityTooLarge, "", fmt.Sprintf("Upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		s.metrics.Upload("bad_request")
		uploadFailure(w, r, http.StatusBadRequest, "", "Expected a multipart form upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		s.metrics.Upload("bad_request")
		uploadFailure(w, r, http.StatusBadRequest, "", "No file part in the request")
		return
	}
	defer file.Close()
	filename := filepath.Base(header.Filename)
	logger := s.logger.With("filename", filename, "size", header.Size)

	health := s.monitor.Probe(ctx)
	if !health.AllGood() {
		s.metrics.Upload("unhealthy")
		s.metrics.GateRejected("upload")
		err := &dispatch.UnhealthyError{Health: health}
		logger.Warn("upload refused by health gate", "err", err)
		uploadFailure(w, r, http.StatusInternalServerError, filename, "Upload refused: "+err.Error())
		return
	}

	sub, err := pipeline.Submit(ctx, s.store, s.dispatcher, health, file)
	var unlinked *dispatch.UnlinkedError
	switch {
	case errors.As(err, &unlinked):
		s.metrics.Upload("unlinked")
		logger.Error("extraction queued but not linked", "job_id", sub.JobID, "err", err)
		msg := fmt.Sprintf("Extraction job %s was queued but could not be recorded in assignment %s", sub.JobID, unlinked.AssignmentID)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, schema.UploadResponse{Filename: filename, Success: false, Filesize: sub.Size, Message: &msg})
		return
	case errors.Is(err, pipeline.ErrCaptureNotStored):
		s.metrics.Upload("store_failed")
		logger.Error("store capture failed", "err", err)
		uploadFailure(w, r, http.StatusInternalServerError, filename, "Could not store the capture")
		return
	case err != nil:
		s.metrics.Upload("dispatch_failed")
		logger.Error("dispatch extraction failed", "capture_key", sub.CaptureKey, "err", err)
		uploadFailure(w, r, http.StatusInternalServerError, filename, "Could not queue the capture: "+err.Error())
		return
	}

	s.metrics.Upload("accepted")
	logger.Info("capture accepted", "capture_key", sub.CaptureKey, "assignment_id", sub.AssignmentID, "job_id", sub.JobID)
	msg := "Capture accepted; extraction job " + sub.JobID + " queued"
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, schema.UploadResponse{
		Filename:     filename,
		Success:      true,
		Filesize:     sub.Size,
		Message:      &msg,
		AssignmentID: &sub.AssignmentID,
	})
}

func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	doc, err := s.status.Assignment(r.Context(), id)
	switch {
	case errors.Is(err, status.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Assignment not found")
		return
	case err != nil:
		s.logger.Error("assignment lookup failed", "assignment_id", id, "err", err)
		writeError(w, r, http.StatusBadGateway, "Status backend unavailable")
		return
	}
	render.JSON(w, r, doc)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	doc, err := s.status.Project(r.Context(), id)
	switch {
	case errors.Is(err, status.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Job not found")
		return
	case err != nil:
		s.logger.Error("job lookup failed", "job_id", id, "err", err)
		writeError(w, r, http.StatusBadGateway, "Broker unavailable")
		return
	}
	render.JSON(w, r, doc)
}
