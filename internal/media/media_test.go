// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 2))))
	return buf.Bytes()
}

func TestParseDataURL(t *testing.T) {
	img := pngBytes(t)
	u := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
	mime, data, err := ParseDataURL(u)
	require.NoError(t, err)
	require.Equal(t, "image/png", mime)
	require.Equal(t, img, data)

	_, _, err = ParseDataURL("data:image/png;base64,@@not-base64@@")
	require.Error(t, err)

	_, _, err = ParseDataURL("https://example.com/a.png")
	require.Error(t, err)

	mime, data, err = ParseDataURL("data:text/plain,hello")
	require.NoError(t, err)
	require.Equal(t, "text/plain", mime)
	require.Equal(t, "hello", string(data))
}

func TestFormatMaps(t *testing.T) {
	f, ok := ImageFormat("image/jpeg")
	require.True(t, ok)
	require.Equal(t, "jpeg", f)
	_, ok = ImageFormat("image/tiff")
	require.False(t, ok)

	tests := map[string]string{
		"video/mp4":        "mp4",
		"video/x-matroska": "mkv",
		"video/quicktime":  "mov",
		"video/x-flv":      "flv",
		"video/x-ms-wmv":   "wmv",
		"video/3gpp":       "three_gp",
	}
	for mime, want := range tests {
		f, ok := VideoFormat(mime)
		require.True(t, ok, mime)
		require.Equal(t, want, f)
	}

	f, ok = DocumentFormat("application/pdf", "")
	require.True(t, ok)
	require.Equal(t, "pdf", f)
	f, ok = DocumentFormat("", "report.xlsx")
	require.True(t, ok)
	require.Equal(t, "xlsx", f)
	_, ok = DocumentFormat("application/x-executable", "a.bin")
	require.False(t, ok)
}

func TestS3ImageExt(t *testing.T) {
	f, ok := S3ImageExt("bucket/photo.jpg")
	require.True(t, ok)
	require.Equal(t, "jpeg", f)
	_, ok = S3ImageExt("bucket/doc.pdf")
	require.False(t, ok)
}

func TestSniffAndReencode(t *testing.T) {
	img := pngBytes(t)
	require.Equal(t, "image/png", Sniff(img))

	out, err := Reencode(img, "jpeg")
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", Sniff(out))

	w, h, err := Bounds(img)
	require.NoError(t, err)
	require.Equal(t, 4, w)
	require.Equal(t, 2, h)

	_, err = Reencode(img, "tiff")
	require.Error(t, err)
}

func TestFetcher(t *testing.T) {
	img := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(img)
	}))
	defer srv.Close()

	t.Run("allows loopback when protection off", func(t *testing.T) {
		data, mime, err := NewFetcher(false).Fetch(srv.URL)
		require.NoError(t, err)
		require.Equal(t, img, data)
		require.Equal(t, "image/png", mime)
	})

	t.Run("blocks loopback when protection on", func(t *testing.T) {
		_, _, err := NewFetcher(true).Fetch(srv.URL)
		var ge *gwerrors.GatewayError
		require.ErrorAs(t, err, &ge)
		require.Equal(t, http.StatusForbidden, ge.Status)
	})

	t.Run("rejects non-http schemes", func(t *testing.T) {
		_, _, err := NewFetcher(false).Fetch("file:///etc/passwd")
		var ge *gwerrors.GatewayError
		require.ErrorAs(t, err, &ge)
		require.Equal(t, http.StatusBadRequest, ge.Status)
	})
}
