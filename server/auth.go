package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pluginwarden/db"
	"pluginwarden/logger"
	"pluginwarden/models"
)

const (
	accessTokenCookie = "access_token"
	stateCookie       = "oauth_state"
)

type contextKey string

const authorContextKey contextKey = "author"

// authorFromContext extracts the authenticated author from the request context
func authorFromContext(ctx context.Context) (*models.Author, bool) {
	author, ok := ctx.Value(authorContextKey).(*models.Author)
	return author, ok
}

// requestToken reads the access token from the Authorization header or the session cookie.
func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "token")) {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// WithAuth wraps an HTTP handler with access token authentication
func (s *Server) WithAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := requestToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		author, err := s.store.GetAuthorByAccessToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, db.ErrAuthorNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			logger.Error("Failed to authenticate request", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), authorContextKey, author)))
	}
}

// ownerFilter restricts queries to the author unless the author is an administrator.
func ownerFilter(author *models.Author) *int64 {
	if author.IsAdmin {
		return nil
	}
	id := author.ID
	return &id
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil || s.oauth.ClientID == "" {
		writeError(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil || s.oauth.ClientID == "" {
		writeError(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	query := r.URL.Query()
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != query.Get("state") {
		writeError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	code := query.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		logger.Warn("OAuth code exchange failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, "failed to exchange code")
		return
	}
	if token.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "no access token returned")
		return
	}
	scopes, _ := token.Extra("scope").(string)

	user, err := s.users.FetchUser(r.Context(), token.AccessToken)
	if err != nil {
		logger.Warn("Failed to fetch OAuth user", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to fetch user")
		return
	}

	author, err := s.store.GetOrCreateAuthor(r.Context(), models.Author{
		GitHubID:  user.ID,
		Login:     user.Login,
		AvatarURL: user.AvatarURL,
		HTMLURL:   user.HTMLURL,
		Type:      user.Type,
	})
	if err != nil {
		writeStoreError(w, err, "failed to store author")
		return
	}
	admin := s.isAdmin(user.Login)
	if err := s.store.UpdateAuthorToken(r.Context(), author.ID, token.AccessToken, scopes, s.now().In(s.location), admin); err != nil {
		writeStoreError(w, err, "failed to store token")
		return
	}
	logger.Info("Author logged in", zap.String("login", author.Login), zap.Bool("admin", admin || author.IsAdmin))

	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    token.AccessToken,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := requestToken(r); token != "" {
		if author, err := s.store.GetAuthorByAccessToken(r.Context(), token); err == nil {
			if err := s.store.ClearAuthorToken(r.Context(), author.ID); err != nil {
				logger.Warn("Failed to clear author token", zap.Error(err))
			}
		}
	}
	http.SetCookie(w, &http.Cookie{Name: accessTokenCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	author, _ := authorFromContext(r.Context())
	writeJSON(w, http.StatusOK, author)
}
