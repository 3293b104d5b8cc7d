// Copyright Bedrock Access Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/aws-samples/bedrock-access-gateway/internal/eventlog"
	"github.com/aws-samples/bedrock-access-gateway/internal/gwerrors"
	"github.com/aws-samples/bedrock-access-gateway/internal/requestctx"
	"github.com/aws-samples/bedrock-access-gateway/internal/version"
)

// handlerFunc is the internal handler shape: returned errors become OpenAI
// error envelopes unless the response already started.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// responseWriter captures the status code for the access log and stamps the
// timing header at the last possible moment.
type responseWriter struct {
	http.ResponseWriter
	rc     *requestctx.RequestContext
	status int
	wrote  bool
	// errorDetail feeds the access log when an error happens after the
	// response started.
	errorDetail string
	// params holds the sanitized request parameters for the access log.
	params map[string]any
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = status
	w.Header().Set("openai-processing-ms", strconv.FormatInt(w.rc.Elapsed().Milliseconds(), 10))
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// setParams stashes the request parameters on the writer for the access log.
// No-op when the writer is not the gateway wrapper (tests may pass bare
// recorders to handlers).
func setParams(w http.ResponseWriter, params map[string]any) {
	if rw, ok := w.(*responseWriter); ok {
		rw.params = params
	}
}

// route wraps h with the full request middleware: request context, trusted
// hosts, CORS, auth, panic recovery, error envelopes and the access log.
func (s *Server) route(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := requestctx.New(r, s.cfg.Timezone, s.defaultGuardrail())
		rc.ClientIP = s.clientIP(r)
		rw := &responseWriter{ResponseWriter: w, rc: rc}
		r = r.WithContext(requestctx.WithContext(r.Context(), rc))

		hdr := rw.Header()
		hdr.Set("x-request-id", rc.ID)
		hdr.Set("openai-version", "2020-10-01")
		hdr.Set("server", "bedrock-access-gateway/"+version.Version)
		if rc.Organization != "" {
			hdr.Set("openai-organization", rc.Organization)
		}
		s.applyCORS(rw, r)

		defer func() {
			if p := recover(); p != nil {
				s.log.Critical(rc.ID, fmt.Sprint(p), string(debug.Stack()))
				s.writeError(rw, gwerrors.Internal("Internal server error"))
				s.logRequest(rw, r, rc)
			}
		}()

		if !s.hostAllowed(r.Host) {
			s.writeError(rw, gwerrors.InvalidRequest("Invalid host header"))
			s.logRequest(rw, r, rc)
			return
		}
		if s.auth.Enabled() && !s.auth.VerifyRequest(r) {
			s.writeError(rw, gwerrors.Unauthorized())
			s.logRequest(rw, r, rc)
			return
		}

		if err := h(rw, r); err != nil {
			s.writeError(rw, err)
		}
		s.logRequest(rw, r, rc)
	}
}

func (s *Server) logRequest(rw *responseWriter, r *http.Request, rc *requestctx.RequestContext) {
	status := rw.status
	if status == 0 {
		status = http.StatusOK
	}
	s.log.Request(eventlog.RequestEvent{
		Context:     rc,
		Method:      r.Method,
		Path:        r.URL.Path,
		StatusCode:  status,
		Duration:    rc.Elapsed(),
		ErrorDetail: rw.errorDetail,
		Params:      rw.params,
	})
}

// clientIP resolves the remote address, honoring X-Forwarded-For only when
// proxy headers are trusted.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hostAllowed checks the Host header against TRUSTED_HOSTS. An empty list
// allows everything; a "*." prefix matches one subdomain level and below.
func (s *Server) hostAllowed(host string) bool {
	if len(s.cfg.TrustedHosts) == 0 {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, allowed := range s.cfg.TrustedHosts {
		if allowed == "*" || strings.EqualFold(allowed, host) {
			return true
		}
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(suffix)) {
				return true
			}
		}
	}
	return false
}

// applyCORS sets the response CORS headers when the request origin is
// allowed.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.originAllowed(origin) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, OpenAI-Organization")
	h.Add("Vary", "Origin")
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSAllowOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// handlePreflight answers CORS preflight requests without auth.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)
	w.WriteHeader(http.StatusNoContent)
}
