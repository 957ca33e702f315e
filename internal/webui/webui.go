// Package webui is the browser front end: upload an X-ray, preview it and ask
// the inference service for a verdict.
package webui

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"image"
	"image/png"
	"math"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/cxr-api/internal/client"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

//go:embed templates/*.html
var templateFS embed.FS

var allowedExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// PreviewSide bounds the longer side of the image echoed back by Preview.
// The classify form body must stay under the 10 MB url-encoded limit of net/http.
const PreviewSide = 1024

// Predictor is the part of client.Client the UI needs.
type Predictor interface {
	Predict(ctx context.Context, img image.Image) (*model.Prediction, error)
	URL() string
}

type page struct {
	Error  string
	Image  string
	Result *result
}

type result struct {
	Class      string
	Heading    string
	Confidence float64
	RawOutput  float64
	Progress   int
}

func newResult(p *model.Prediction) *result {
	r := &result{
		Class:      "normal",
		Heading:    "Normal",
		Confidence: p.Confidence,
		RawOutput:  p.RawOutput,
		Progress:   int(math.Max(0, math.Min(100, p.Confidence))),
	}
	if p.Prediction == model.LabelPneumonia {
		r.Class = "pneumonia"
		r.Heading = "Pneumonia Detected"
	}
	return r
}

type UI struct {
	predictor Predictor
	maxUpload int64
}

func New(predictor Predictor, maxUpload int64) *UI {
	return &UI{predictor: predictor, maxUpload: maxUpload}
}

// Message turns a failed prediction into the text shown to the user.
func (u *UI) Message(err error) string {
	var statusErr *client.StatusError
	switch {
	case errors.Is(err, client.ErrUnreachable):
		return "Could not connect to the inference service. Make sure it's running at " + u.predictor.URL()
	case errors.As(err, &statusErr):
		return fmt.Sprintf("Inference service returned error: %d", statusErr.Code)
	default:
		return fmt.Sprintf("Error calling inference service: %v", err)
	}
}

func render(c *gin.Context, code int, p page) {
	c.HTML(code, "index.html", p)
}

func (u *UI) Index(c *gin.Context) {
	render(c, http.StatusOK, page{})
}

// previewImage drops alpha and shrinks img to fit PreviewSide, keeping its
// aspect ratio.
func previewImage(img image.Image) image.Image {
	return resize.Thumbnail(PreviewSide, PreviewSide, preprocess.ToRGB(img), resize.Bilinear)
}

// Preview decodes the upload, drops any alpha channel and echoes the image
// back as a PNG ready to be classified.
func (u *UI) Preview(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, u.maxUpload)
	header, err := c.FormFile("file")
	if err != nil {
		render(c, http.StatusBadRequest, page{Error: "Please choose a JPG or PNG image to upload."})
		return
	}
	if !allowedExtensions[strings.ToLower(filepath.Ext(header.Filename))] {
		render(c, http.StatusBadRequest, page{Error: "Unsupported file type. Upload a .jpg, .jpeg or .png image."})
		return
	}
	file, err := header.Open()
	if err != nil {
		render(c, http.StatusBadRequest, page{Error: "Failed to read the upload."})
		return
	}
	defer file.Close()

	img, _, err := preprocess.Decode(file)
	if err != nil {
		log.Warn().Err(err).Str("filename", header.Filename).Msg("Rejected upload")
		render(c, http.StatusBadRequest, page{Error: "The file could not be read as an image."})
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, previewImage(img)); err != nil {
		render(c, http.StatusInternalServerError, page{Error: "Failed to prepare the image preview."})
		return
	}
	render(c, http.StatusOK, page{Image: base64.StdEncoding.EncodeToString(buf.Bytes())})
}

// Classify forwards the previewed image to the inference service and renders
// its verdict.
func (u *UI) Classify(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		log.Warn().Err(err).Msg("Failed to parse classify form")
		render(c, http.StatusRequestEntityTooLarge, page{Error: "The image is too large to classify. Upload a smaller image."})
		return
	}
	encoded := c.Request.PostForm.Get("image")
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		render(c, http.StatusBadRequest, page{Error: "Upload an image before asking for a prediction."})
		return
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		render(c, http.StatusBadRequest, page{Error: "Upload an image before asking for a prediction."})
		return
	}

	p, err := u.predictor.Predict(c.Request.Context(), img)
	if err != nil {
		log.Error().Err(err).Msg("Prediction request failed")
		render(c, http.StatusOK, page{Image: encoded, Error: u.Message(err)})
		return
	}
	render(c, http.StatusOK, page{Image: encoded, Result: newResult(p)})
}

// NewRouter builds the UI engine with its templates loaded.
func NewRouter(u *UI, env string, middlewares ...gin.HandlerFunc) *gin.Engine {
	if env == "prod" || env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.MaxMultipartMemory = u.maxUpload
	router.SetHTMLTemplate(template.Must(template.ParseFS(templateFS, "templates/*.html")))
	router.Use(middlewares...)
	router.Use(gin.Recovery())

	router.GET("/", u.Index)
	router.POST("/preview", u.Preview)
	router.POST("/classify", u.Classify)
	return router
}
