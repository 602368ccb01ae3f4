package httpx

import (
	"net/http"
	"time"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/service/auth"
)

type registerRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokensResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int64     `json:"expires_in"`
}

type sessionResponse struct {
	User   *domain.User   `json:"user"`
	Tokens tokensResponse `json:"tokens"`
}

func session(user *domain.User, pair auth.TokenPair) sessionResponse {
	return sessionResponse{
		User: user,
		Tokens: tokensResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			TokenType:    "Bearer",
			ExpiresAt:    pair.ExpiresAt,
			ExpiresIn:    int64(pair.ExpiresIn.Seconds()),
		},
	}
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	var payload registerRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	user, tokens, err := r.svc.Auth.Register(req.Context(), auth.RegisterInput{
		Email:     payload.Email,
		Password:  payload.Password,
		FirstName: payload.FirstName,
		LastName:  payload.LastName,
	})
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusCreated, session(user, tokens))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload loginRequest
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	user, tokens, err := r.svc.Auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, session(user, tokens))
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	user, tokens, err := r.svc.Auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, session(user, tokens))
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	user, err := r.svc.Auth.Me(req.Context(), actor(req).UserID)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	writeData(w, http.StatusOK, user)
}

// handlePasswordResetRequest always answers 202 so that callers cannot probe
// which emails are registered.
func (r *Router) handlePasswordResetRequest(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Email string `json:"email" validate:"required,email"`
	}
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	token, err := r.svc.Auth.RequestPasswordReset(req.Context(), payload.Email)
	if err != nil {
		r.fail(w, req, err)
		return
	}
	body := map[string]string{"status": "requested"}
	if r.exposeResetTokens && token != "" {
		body["reset_token"] = token
	}
	writeData(w, http.StatusAccepted, body)
}

func (r *Router) handlePasswordReset(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Token    string `json:"token" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := decodeJSON(req, &payload, false); err != nil {
		r.fail(w, req, err)
		return
	}
	if err := r.svc.Auth.ResetPassword(req.Context(), payload.Token, payload.Password); err != nil {
		r.fail(w, req, err)
		return
	}
	writeNoContent(w)
}
