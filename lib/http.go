package lib

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/keyforum/captcha/internal"
	"github.com/keyforum/captcha/lib/challenge"
	"github.com/keyforum/captcha/lib/lifecycle"
	"github.com/keyforum/captcha/lib/localization"
)

type issueResponse struct {
	Token         string    `json:"token"`
	ImageURL      string    `json:"image_url"`
	Image         string    `json:"image,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	ExpiryMinutes int       `json:"expiry_minutes"`
	ExpiryMessage string    `json:"expiry_message"`
}

type verifyResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type sweepResponse struct {
	Removed int `json:"removed"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		internal.GetRequestLogger(r).Error("failed to encode response", "err", err)
	}
}

// respondWithError logs the private reason and sends only the public one.
func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, cerr *challenge.Error) {
	lg := internal.GetRequestLogger(r).With("verb", cerr.Verb, "status", cerr.StatusCode)

	if cerr.StatusCode >= http.StatusInternalServerError {
		lg.Error("request failed", "err", cerr.PrivateReason)
	} else {
		lg.Debug("request rejected", "err", cerr.PrivateReason)
	}

	writeJSON(w, r, cerr.StatusCode, verifyResponse{
		OK:    false,
		Error: cerr.PublicReason,
	})
}

// IssueChallenge creates a challenge. With ?inline=true the image is embedded
// as a data URL; otherwise the client fetches it from image_url.
func (s *Server) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	localizer := localization.GetLocalizer(r)

	var (
		iss *lifecycle.Issued
		err error
	)

	inline := r.URL.Query().Get("inline") == "true"
	if inline {
		iss, err = s.svc.Issue(r.Context())
	} else {
		iss, err = s.svc.IssueDeferred(r.Context())
	}

	if err != nil {
		s.respondWithError(w, r, challenge.NewError("issue", localizer.T("internal_error"), err))
		return
	}

	resp := issueResponse{
		Token:         iss.Token,
		ImageURL:      s.imageURL(iss.Token),
		ExpiresAt:     iss.ExpiresAt.UTC(),
		ExpiryMinutes: iss.ExpiryMinutes,
		ExpiryMessage: localizer.N("challenge_expiry", iss.ExpiryMinutes),
	}

	if inline {
		resp.Image = "data:image/png;base64," + base64.StdEncoding.EncodeToString(iss.Image)
	}

	internal.GetRequestLogger(r).Debug("issued challenge", internal.TokenAttr(iss.Token), "inline", inline)
	writeJSON(w, r, http.StatusOK, resp)
}

// ServeImage renders the image of a live challenge. It never reveals whether
// the token was unknown or expired.
func (s *Server) ServeImage(w http.ResponseWriter, r *http.Request) {
	localizer := localization.GetLocalizer(r)
	token := r.PathValue("token")

	img, err := s.svc.FetchImage(r.Context(), token)
	if err != nil {
		public := localizer.T("internal_error")
		if errors.Is(err, challenge.ErrNotFound) {
			public = localizer.T("challenge_not_found")
		}

		s.respondWithError(w, r, challenge.NewError("image", public, err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img); err != nil {
		internal.GetRequestLogger(r).Debug("failed to write image", "err", err)
	}
}

// VerifyChallenge checks the form values token and answer. Every failed
// verification gets the same 403 response.
func (s *Server) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	localizer := localization.GetLocalizer(r)
	lg := internal.GetRequestLogger(r)

	if err := r.ParseForm(); err != nil {
		lg.Debug("can't parse verification form", "err", err)
	}

	token := r.FormValue("token")

	ok, err := s.svc.Verify(r.Context(), token, r.FormValue("answer"))
	switch {
	case err != nil:
		s.respondWithError(w, r, challenge.NewError("verify", localizer.T("internal_error"), err))
	case !ok:
		s.respondWithError(w, r, challenge.NewError("verify", localizer.T("verification_failed"), challenge.ErrFailed))
	default:
		lg.Debug("challenge passed", internal.TokenAttr(token))
		writeJSON(w, r, http.StatusOK, verifyResponse{OK: true})
	}
}

func (s *Server) ServeStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.respondWithError(w, r, challenge.NewError("stats", localization.GetLocalizer(r).T("internal_error"), err))
		return
	}

	writeJSON(w, r, http.StatusOK, st)
}

// TriggerSweep runs an on-demand sweep. A sweep that is already running is
// reported as a conflict instead of waited for.
func (s *Server) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	localizer := localization.GetLocalizer(r)

	n, err := s.sweeper.Trigger(r.Context())
	switch {
	case errors.Is(err, lifecycle.ErrSweepInProgress):
		writeJSON(w, r, http.StatusConflict, verifyResponse{Error: localizer.T("sweep_in_progress")})
	case err != nil:
		s.respondWithError(w, r, challenge.NewError("sweep", localizer.T("internal_error"), err))
	default:
		internal.GetRequestLogger(r).Info("manual sweep finished", "removed", n)
		writeJSON(w, r, http.StatusOK, sweepResponse{Removed: n})
	}
}
