package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/moltins/moltins/internal/claim"
	"github.com/moltins/moltins/internal/model"
)

const apiKeyNotice = "⚠️ SAVE YOUR API KEY! It will not be shown again."

// HandleRegister handles POST /api/agents/register.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	reg, err := h.claimSvc.Register(r.Context(), claim.RegisterInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		h.writeClaimError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, model.RegisterAgentResponse{
		Success: true,
		Agent: model.RegisteredAgent{
			ID:               reg.Agent.ID.String(),
			Name:             reg.Agent.Name,
			DisplayName:      reg.Agent.DisplayName,
			APIKey:           reg.APIKey,
			ClaimURL:         reg.ClaimURL,
			VerificationCode: reg.Agent.VerificationCode,
		},
		TweetTemplate: reg.TweetTemplate,
		Important:     apiKeyNotice,
	})
}

// HandleClaimInfo handles GET /api/claim/{token}.
func (h *Handlers) HandleClaimInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.claimSvc.Info(r.Context(), r.PathValue("token"))
	if err != nil {
		h.writeClaimError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ClaimInfoResponse{
		Success: true,
		Agent: model.AgentSummary{
			Name:        info.Agent.Name,
			DisplayName: info.Agent.DisplayName,
			Bio:         info.Agent.Bio,
			AvatarURL:   info.Agent.AvatarURL,
		},
		VerificationCode: info.Agent.VerificationCode,
		TweetTemplate:    info.TweetTemplate,
		ClaimURL:         info.ClaimURL,
		TwitterAuthed:    info.TwitterAuthed,
		TwitterHandle:    info.TwitterHandle,
	})
}

// HandleTwitterAuth handles GET /api/claim/{token}/twitter-auth. Every
// outcome is a redirect; failures land on the claim page with an error flag.
func (h *Handlers) HandleTwitterAuth(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	target, err := h.claimSvc.BeginOAuth(r.Context(), token)
	if err != nil {
		h.logClaimError(r, err)
		target = h.claimSvc.BeginOAuthErrorRedirect(token, err)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleClaimCallback handles GET /api/claim/callback.
func (h *Handlers) HandleClaimCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := h.claimSvc.HandleCallback(r.Context(), claim.CallbackInput{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	})
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleVerifyClaim handles POST /api/claim/{token}/verify.
func (h *Handlers) HandleVerifyClaim(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyClaimRequest
	// An empty body is a tweet verification without a URL.
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}

	token := r.PathValue("token")
	var (
		v   claim.Verification
		err error
	)
	switch req.Method {
	case "", model.VerifyByTweetURL:
		v, err = h.claimSvc.VerifyTweet(r.Context(), token, req.TweetURL)
	case model.VerifyByOAuth:
		v, err = h.claimSvc.VerifyOAuth(r.Context(), token)
	default:
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{
			Error:     "Invalid method",
			Code:      model.ErrCodeInvalidInput,
			Message:   `method must be "tweet" or "oauth"`,
			RequestID: RequestIDFromContext(r.Context()),
		})
		return
	}
	if err != nil {
		h.writeClaimError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, model.VerifyClaimResponse{
		Success: true,
		Message: "🎉 Agent claimed successfully!",
		Agent: model.ClaimedAgent{
			Name:        v.Agent.Name,
			DisplayName: v.Agent.DisplayName,
			ProfileURL:  v.ProfileURL,
		},
		Owner: model.ClaimOwner{
			TwitterHandle: v.Owner.TwitterHandle,
			TwitterName:   v.Owner.TwitterName,
		},
	})
}

// writeClaimError renders a claim failure. Anything that is not a
// *claim.Error is treated as internal.
func (h *Handlers) writeClaimError(w http.ResponseWriter, r *http.Request, err error) {
	h.logClaimError(r, err)
	var ce *claim.Error
	if !errors.As(err, &ce) || ce.Kind == claim.KindInternal {
		writeInternalError(w, r)
		return
	}
	writeJSON(w, ce.Kind.HTTPStatus(), model.ErrorResponse{
		Error:     ce.Label,
		Code:      ce.Code,
		Message:   ce.Message,
		Hint:      ce.Hint,
		Owner:     ce.Owner,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// logClaimError logs internal failures. The claim service already logs
// upstream causes.
func (h *Handlers) logClaimError(r *http.Request, err error) {
	var ce *claim.Error
	if errors.As(err, &ce) && ce.Kind != claim.KindInternal {
		return
	}
	h.logger.Error("claim request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
}
