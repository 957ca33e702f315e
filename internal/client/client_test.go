package client

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/model"
)

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(60 * y), B: 7, A: 255})
		}
	}
	return img
}

func TestPredictSendsPNG(t *testing.T) {
	img := testImage()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		assert.Equal(t, "image.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))

		got, err := png.Decode(file)
		if assert.NoError(t, err) {
			for y := 0; y < 4; y++ {
				for x := 0; x < 6; x++ {
					r1, g1, b1, _ := got.At(x, y).RGBA()
					r2, g2, b2, _ := img.At(x, y).RGBA()
					assert.Equal(t, []uint32{r2, g2, b2}, []uint32{r1, g1, b1})
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prediction":"Pneumonia","confidence":87.5,"raw_output":0.875}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL, time.Second, nil).Predict(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, &model.Prediction{Prediction: "Pneumonia", Confidence: 87.5, RawOutput: 0.875}, p)
}

func TestPredictStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Prediction failed"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second, nil).Predict(context.Background(), testImage())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, "inference service returned error: 500", statusErr.Error())
	assert.False(t, errors.Is(err, ErrUnreachable))
}

func TestPredictUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/predict"
	srv.Close()

	c := New(url, time.Second, nil)
	assert.Equal(t, url, c.URL())
	_, err := c.Predict(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, 50*time.Millisecond, nil).Predict(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestPredictInvalidResponse(t *testing.T) {
	for _, body := range []string{`not json`, `{"prediction":"Maybe","confidence":1}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		_, err := New(srv.URL, time.Second, nil).Predict(context.Background(), testImage())
		srv.Close()

		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrUnreachable))
		var statusErr *StatusError
		assert.False(t, errors.As(err, &statusErr))
	}
}

func TestDefaultTimeout(t *testing.T) {
	c := New("http://localhost:8000/predict", 0, nil)
	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
}
