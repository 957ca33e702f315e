package webui

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/client"
	"github.com/Brownie44l1/cxr-api/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPredictor struct {
	prediction *model.Prediction
	err        error
	calls      int
}

func (s *stubPredictor) Predict(context.Context, image.Image) (*model.Prediction, error) {
	s.calls++
	return s.prediction, s.err
}

func (s *stubPredictor) URL() string { return "http://inference:8000/predict" }

func newRouter(p Predictor) *gin.Engine {
	return NewRouter(New(p, 10<<20), "test")
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/preview", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func classify(encoded string) *http.Request {
	form := url.Values{"image": {encoded}}
	req := httptest.NewRequest(http.MethodPost, "/classify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIndex(t *testing.T) {
	w := serve(newRouter(&stubPredictor{}), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `accept=".jpg,.jpeg,.png"`)
	assert.Contains(t, body, `action="/preview"`)
	assert.NotContains(t, body, `id="result"`)
}

func TestPreview(t *testing.T) {
	w := serve(newRouter(&stubPredictor{}), upload(t, "xray.PNG", pngBytes(t)))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `action="/classify"`)
	assert.Contains(t, body, "data:image/png;base64,")
	assert.NotContains(t, body, `class="error"`)
}

func TestPreviewRejects(t *testing.T) {
	r := newRouter(&stubPredictor{})
	w := serve(r, upload(t, "xray.gif", pngBytes(t)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Unsupported file type")

	w = serve(r, upload(t, "xray.jpg", []byte("garbage")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "could not be read as an image")
	assert.Contains(t, w.Body.String(), `action="/preview"`)
}

func TestClassifyRendersResult(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(pngBytes(t))
	tests := []struct {
		prediction model.Prediction
		contains   []string
	}{
		{
			model.Prediction{Prediction: model.LabelPneumonia, Confidence: 87.456, RawOutput: 0.87456},
			[]string{`class="card pneumonia"`, "Pneumonia Detected", "87.46%", `value="87"`, "0.8746"},
		},
		{
			model.Prediction{Prediction: model.LabelNormal, Confidence: 99.5, RawOutput: 0.005},
			[]string{`class="card normal"`, "<h2>Normal</h2>", "99.50%", `value="99"`, "0.0050"},
		},
	}
	for _, tt := range tests {
		p := tt.prediction
		stub := &stubPredictor{prediction: &p}
		w := serve(newRouter(stub), classify(encoded))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, stub.calls)
		for _, s := range tt.contains {
			assert.Contains(t, w.Body.String(), s)
		}
	}
}

func TestClassifyWithoutImage(t *testing.T) {
	stub := &stubPredictor{}
	w := serve(newRouter(stub), classify(""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, stub.calls)

	w = serve(newRouter(stub), classify(base64.StdEncoding.EncodeToString([]byte("nope"))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, stub.calls)
}

func TestClassifyServiceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL + "/predict"
	srv.Close()

	r := newRouter(client.New(target, time.Second, nil))
	w := serve(r, classify(base64.StdEncoding.EncodeToString(pngBytes(t))))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Could not connect to the inference service")
	assert.Contains(t, body, target)
	assert.NotContains(t, body, `id="result"`)
	assert.Contains(t, body, `action="/preview"`)
}

func TestClassifyServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newRouter(client.New(srv.URL, time.Second, nil))
	w := serve(r, classify(base64.StdEncoding.EncodeToString(pngBytes(t))))
	assert.Contains(t, w.Body.String(), "Inference service returned error: 503")
}

func TestMessage(t *testing.T) {
	u := New(&stubPredictor{}, 1<<20)
	assert.Equal(t, "Could not connect to the inference service. Make sure it's running at http://inference:8000/predict",
		u.Message(fmt.Errorf("%w: dial tcp: connection refused", client.ErrUnreachable)))
	assert.Equal(t, "Inference service returned error: 422", u.Message(&client.StatusError{Code: 422}))
	assert.Equal(t, "Error calling inference service: boom", u.Message(errors.New("boom")))
}

var hiddenImage = regexp.MustCompile(`name="image" value="([^"]*)"`)

func noisyJPEG(t *testing.T, side int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, side, side))
	rand.New(rand.NewSource(1)).Read(img.Pix)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}))
	return buf.Bytes()
}

func TestLargeUploadCanBeClassified(t *testing.T) {
	data := noisyJPEG(t, 3000)
	require.Less(t, len(data), 10<<20)

	stub := &stubPredictor{prediction: &model.Prediction{Prediction: model.LabelNormal, Confidence: 70, RawOutput: 0.3}}
	r := newRouter(stub)

	w := serve(r, upload(t, "large.jpg", data))
	require.Equal(t, http.StatusOK, w.Code)
	m := hiddenImage.FindStringSubmatch(w.Body.String())
	require.Len(t, m, 2)
	encoded := html.UnescapeString(m[1])

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, PreviewSide, cfg.Width)
	assert.Equal(t, PreviewSide, cfg.Height)

	w = serve(r, classify(encoded))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, stub.calls)
	assert.Contains(t, w.Body.String(), `id="result"`)
}

func TestPreviewKeepsSmallImagesAndAspect(t *testing.T) {
	assert.Equal(t, image.Rect(0, 0, 8, 8), previewImage(image.NewGray(image.Rect(0, 0, 8, 8))).Bounds())
	assert.Equal(t, image.Rect(0, 0, PreviewSide, PreviewSide/2), previewImage(image.NewGray(image.Rect(0, 0, 2*PreviewSide, PreviewSide))).Bounds())
}

func TestClassifyFormTooLarge(t *testing.T) {
	stub := &stubPredictor{}
	w := serve(newRouter(stub), classify(strings.Repeat("A", 11<<20)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "The image is too large to classify")
	assert.NotContains(t, w.Body.String(), "Upload an image before asking")
	assert.Equal(t, 0, stub.calls)
}
