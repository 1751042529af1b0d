package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/tumorlens/history"
	"github.com/krau/tumorlens/metrics"
	"github.com/krau/tumorlens/service"
)

func (s *Server) PredictHandler(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Prediction panicked", slog.Any("panic", r))
			metrics.PredictionFailures.WithLabelValues("panic").Inc()
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
		}
	}()

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, http.StatusRequestEntityTooLarge, "validation", "File too large")
			return
		}
		s.fail(c, http.StatusBadRequest, "validation", "No file uploaded")
		return
	}
	if fileHeader.Filename == "" {
		s.fail(c, http.StatusBadRequest, "validation", "No file selected")
		return
	}
	if fileHeader.Size > s.maxUpload {
		s.fail(c, http.StatusRequestEntityTooLarge, "validation", "File too large")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		s.fail(c, http.StatusBadRequest, "validation", "Unable to open uploaded file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload))
	if err != nil {
		s.fail(c, http.StatusBadRequest, "validation", "Unable to read uploaded file")
		return
	}

	resp, err := s.predictor.Predict(c.Request.Context(), data, fileHeader.Filename)
	if err != nil {
		status, kind, msg := classify(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Prediction failed",
				slog.String("file", fileHeader.Filename),
				slog.String("kind", kind),
				slog.String("error", err.Error()))
		}
		s.fail(c, status, kind, msg)
		return
	}

	slog.Info("Prediction",
		slog.String("class", resp.PredictedClass),
		slog.Float64("confidence", resp.Confidence),
		slog.String("stored_as", resp.Record.ImageFilename))
	c.JSON(http.StatusOK, resp)
}

// classify maps pipeline errors to a status code, a metric label and a
// client-facing message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrNoFilename):
		return http.StatusBadRequest, "validation", "No file selected"
	case errors.Is(err, service.ErrEmptyFile):
		return http.StatusBadRequest, "validation", "Uploaded file is empty"
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "validation", "Invalid request"
	case errors.Is(err, service.ErrDecode):
		return http.StatusBadRequest, "decode", "Invalid image: unsupported or corrupt file"
	case errors.Is(err, service.ErrInference):
		return http.StatusInternalServerError, "inference", "Prediction failed"
	case errors.Is(err, history.ErrPersistence):
		return http.StatusInternalServerError, "persistence", "Prediction failed: could not save history"
	default:
		return http.StatusInternalServerError, "internal", "Prediction failed"
	}
}

func (s *Server) fail(c *gin.Context, status int, kind, msg string) {
	metrics.PredictionFailures.WithLabelValues(kind).Inc()
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) ClearHistoryHandler(c *gin.Context) {
	res, err := s.history.Clear(c.Request.Context())
	if err != nil {
		slog.Error("Failed to clear history", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear history"})
		return
	}
	metrics.HistoryClears.Inc()
	slog.Info("History cleared", slog.Int64("rows", res.Rows), slog.Int("files", res.Files))
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         "History cleared successfully",
		"deleted_records": res.Rows,
		"deleted_files":   res.Files,
	})
}

func (s *Server) HistoryHandler(c *gin.Context) {
	records, err := s.history.List(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list history", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"count":       len(records),
		"predictions": records,
	})
}

func (s *Server) ImageHandler(c *gin.Context) {
	path, err := s.history.ImagePath(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	c.File(path)
}

func (s *Server) ModelInfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"model_version": s.modelVersion,
		"input_shape":   []int{1, s.predictor.ImageSize(), s.predictor.ImageSize(), 3},
		"classes":       s.predictor.Registry().Labels(),
	})
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
