package handlers

import (
	"errors"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/metric"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

const Banner = "Chest X-ray Classification API is running!"

// Handler is the service context shared by every route. It is built once at
// startup and never modified afterwards.
type Handler struct {
	classifier model.Classifier
	maxUpload  int64
	metrics    *metric.Client
}

func NewHandler(classifier model.Classifier, maxUpload int64, metrics *metric.Client) *Handler {
	if metrics == nil {
		metrics = metric.Noop()
	}
	return &Handler{
		classifier: classifier,
		maxUpload:  maxUpload,
		metrics:    metrics,
	}
}

func (h *Handler) Home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": Banner})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// PredictTensor scores a sample that the caller has already normalized.
func (h *Handler) PredictTensor(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	sample := preprocess.Sample(req.Image)
	if err := sample.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Expected %d values, got %d", preprocess.SampleLen, len(req.Image))})
		return
	}
	h.predict(c, sample)
}

// formFile returns the upload in field "file", falling back to "image".
func formFile(c *gin.Context) (*multipart.FileHeader, error) {
	header, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return c.FormFile("image")
	}
	return header, err
}

// Predict classifies an uploaded image file.
func (h *Handler) Predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	header, err := formFile(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("Upload exceeds %d bytes", h.maxUpload)})
		case errors.Is(err, http.ErrMissingFile):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No image file provided. Use 'file' as the form field name"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse form"})
		}
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload"})
		return
	}
	defer file.Close()

	img, format, err := preprocess.Decode(file)
	if err != nil {
		log.Warn().Err(err).Str("filename", header.Filename).Int64("size", header.Size).Msg("Rejected upload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image format. Supported: JPEG, PNG, GIF, BMP"})
		return
	}
	log.Debug().Str("filename", header.Filename).Str("format", format).
		Int("width", img.Bounds().Dx()).Int("height", img.Bounds().Dy()).Msg("Received image")

	h.predict(c, preprocess.Prepare(img))
}

func (h *Handler) predict(c *gin.Context, sample preprocess.Sample) {
	start := time.Now()
	backend := metric.TagAsString(metric.TagBackend, h.classifier.Backend())
	output, err := h.classifier.Predict(c.Request.Context(), sample)
	h.metrics.TimingWithStart(metric.InferenceLatency, start, []string{backend})
	if err == nil && (math.IsNaN(float64(output)) || math.IsInf(float64(output), 0)) {
		err = fmt.Errorf("non-finite model output %v", output)
	}
	if err != nil {
		log.Error().Err(err).Msg("Prediction error")
		h.metrics.Incr(metric.InferenceCount, []string{backend, metric.TagAsString(metric.TagOutcome, "error")})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
		return
	}

	result := model.Decide(output)
	h.metrics.Incr(metric.InferenceCount, []string{
		backend,
		metric.TagAsString(metric.TagOutcome, "ok"),
		metric.TagAsString(metric.TagLabel, result.Prediction),
	})
	log.Debug().Str("prediction", result.Prediction).Float64("confidence", result.Confidence).
		Float64("raw_output", result.RawOutput).Dur("latency", time.Since(start)).Msg("Prediction served")
	c.JSON(http.StatusOK, result)
}
