// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package media holds the byte-level utilities shared by the translators:
// data-URL parsing, MIME sniffing, format mapping, image re-encoding and the
// SSRF-guarded remote fetch.
package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	_ "image/gif"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
)

// Image formats the converse protocol accepts.
var imageFormats = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpeg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// videoFormats remaps sniffed video MIME subtypes onto provider format names.
var videoFormats = map[string]string{
	"mp4":        "mp4",
	"mpeg":       "mpeg",
	"webm":       "webm",
	"x-matroska": "mkv",
	"quicktime":  "mov",
	"x-flv":      "flv",
	"x-ms-wmv":   "wmv",
	"3gpp":       "three_gp",
}

// documentFormats lists the accepted document extensions.
var documentFormats = map[string]struct{}{
	"csv": {}, "html": {}, "pdf": {}, "doc": {}, "docx": {},
	"xls": {}, "xlsx": {}, "txt": {}, "md": {},
}

// documentMIME maps common document MIME types to their format name.
var documentMIME = map[string]string{
	"text/csv":                 "csv",
	"text/html":                "html",
	"text/plain":               "txt",
	"text/markdown":            "md",
	"application/pdf":          "pdf",
	"application/msword":       "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
}

// ParseDataURL decodes a data: URL, returning the MIME type and raw bytes.
func ParseDataURL(u string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	mime = meta
	base64Encoded := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		mime = m
		base64Encoded = true
	}
	if !base64Encoded {
		return mime, []byte(payload), nil
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return mime, data, nil
}

// ImageFormat maps an image MIME type to the provider format name.
func ImageFormat(mime string) (string, bool) {
	f, ok := imageFormats[strings.ToLower(mime)]
	return f, ok
}

// VideoFormat maps a video MIME type to the provider format name.
func VideoFormat(mime string) (string, bool) {
	sub, ok := strings.CutPrefix(strings.ToLower(mime), "video/")
	if !ok {
		return "", false
	}
	f, ok := videoFormats[sub]
	return f, ok
}

// DocumentFormat maps a MIME type or file extension to the provider document
// format name.
func DocumentFormat(mime, filename string) (string, bool) {
	if f, ok := documentMIME[strings.ToLower(mime)]; ok {
		return f, true
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if _, ok := documentFormats[ext]; ok {
		return ext, true
	}
	return "", false
}

// Sniff detects the MIME type from leading bytes.
func Sniff(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	// DetectContentType does not know matroska/webm precisely; both share the
	// EBML magic and come back as video/webm which is fine here.
	return mime
}

// S3ImageExt maps an object key extension onto the provider image format,
// folding jpg to jpeg.
func S3ImageExt(key string) (string, bool) {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(key)), ".")
	if ext == "jpg" {
		ext = "jpeg"
	}
	for _, f := range imageFormats {
		if f == ext {
			return ext, true
		}
	}
	return "", false
}

// Reencode converts image bytes into the target format ("png" or "jpeg").
// Formats decodable via the registered decoders (png, jpeg, gif, webp, bmp)
// are accepted as input.
func Reencode(data []byte, target string) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	var buf bytes.Buffer
	switch target {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg", "jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95})
	default:
		return nil, fmt.Errorf("unsupported target format %q", target)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding image: %w", err)
	}
	return buf.Bytes(), nil
}

// Bounds returns the pixel dimensions of an encoded image.
func Bounds(data []byte) (w, h int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("reading image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Fetcher performs SSRF-guarded HTTP fetches of client-supplied URLs.
type Fetcher struct {
	client       *http.Client
	blockPrivate bool
}

// fetch timeouts: the whole transfer and the dial respectively.
const (
	fetchTimeout = 20 * time.Second
	dialTimeout  = 5 * time.Second
)

// NewFetcher builds a Fetcher. When blockPrivate is set, connections to
// loopback, private and link-local addresses are refused at dial time, after
// DNS resolution, so rebinding tricks cannot bypass the check.
func NewFetcher(blockPrivate bool) *Fetcher {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			if !blockPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("unresolvable address %q", host)
			}
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
				return fmt.Errorf("address %s is not allowed", ip)
			}
			return nil
		},
	}
	return &Fetcher{
		blockPrivate: blockPrivate,
		client: &http.Client{
			Timeout: fetchTimeout,
			Transport: &http.Transport{
				DialContext:       dialer.DialContext,
				DisableKeepAlives: true,
			},
		},
	}
}

// Fetch downloads url and returns its bytes and sniffed MIME type. Policy
// violations surface as 403, transport failures as 400.
func (f *Fetcher) Fetch(url string) ([]byte, string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, "", gwerrors.InvalidRequest(fmt.Sprintf("unsupported URL scheme in %q", url))
	}
	resp, err := f.client.Get(url)
	if err != nil {
		if f.blockPrivate && strings.Contains(err.Error(), "not allowed") {
			return nil, "", gwerrors.Forbidden()
		}
		return nil, "", gwerrors.InvalidRequest(fmt.Sprintf("fetching %q: %v", url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", gwerrors.InvalidRequest(fmt.Sprintf("fetching %q: status %d", url, resp.StatusCode))
	}
	data, err := readAll(resp)
	if err != nil {
		return nil, "", gwerrors.InvalidRequest(fmt.Sprintf("reading %q: %v", url, err))
	}
	return data, Sniff(data), nil
}

// maxFetchBytes caps remote downloads at 100 MiB.
const maxFetchBytes = 100 << 20

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(nil, resp.Body, maxFetchBytes)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
