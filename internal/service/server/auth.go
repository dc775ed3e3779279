package server

import (
	"context"
	"e2e_paste/internal/model"
	"e2e_paste/internal/utils/log"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const TokenCookie = "my_paste_token"

type (
	claims struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		jwt.RegisteredClaims
	}

	LoginRequest struct {
		Name     string
		Email    string
		Password string
	}

	LoginResponse struct {
		User  model.User
		Token string
	}

	userCtxKey struct{}
)

func (s *HttpServer) issueToken(user model.User) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.cfg.Auth.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:  user.Name,
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString([]byte(s.cfg.Auth.JWTSecret))
	return signed, expires, err
}

func (s *HttpServer) parseToken(raw string) (model.User, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Auth.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return model.User{}, err
	}
	if c.Email == "" {
		return model.User{}, errors.New("token has no email")
	}
	return model.User{Name: c.Name, Email: c.Email}, nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// authMiddleware rejects requests without a valid token and stores the
// session user in the request context.
func (s *HttpServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		user, err := s.parseToken(raw)
		if err != nil {
			log.Debug("rejected token", zap.Error(err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userCtxKey{}, user)))
	})
}

func authorizedUser(r *http.Request) model.User {
	user, _ := r.Context().Value(userCtxKey{}).(model.User)
	return user
}

// HandleLogin signs an account in, creating it on first use of an email.
func (s *HttpServer) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid login body", http.StatusBadRequest)
			return
		}
		req.Email = strings.TrimSpace(strings.ToLower(req.Email))
		if req.Email == "" || req.Password == "" {
			http.Error(w, "email and password are required", http.StatusBadRequest)
			return
		}

		account, err := s.userRepo.GetByEmail(ctx, req.Email)
		if err != nil {
			log.Error("Get account failed", zap.Error(err))
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}

		if account == nil {
			hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
			if err != nil {
				log.Error("Hash password failed", zap.Error(err))
				http.Error(w, "login failed", http.StatusInternalServerError)
				return
			}
			name := req.Name
			if name == "" {
				name, _, _ = strings.Cut(req.Email, "@")
			}
			account = &model.Account{Name: name, Email: req.Email, PasswordHash: hash}
			if _, err := s.userRepo.Create(ctx, account); err != nil {
				log.Error("Create account failed", zap.Error(err))
				http.Error(w, "login failed", http.StatusInternalServerError)
				return
			}
			log.Info("account created", zap.String("email", account.Email))
		} else if bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(req.Password)) != nil {
			http.Error(w, "wrong email or password", http.StatusUnauthorized)
			return
		}

		user := account.User()
		token, expires, err := s.issueToken(user)
		if err != nil {
			log.Error("Sign token failed", zap.Error(err))
			http.Error(w, "login failed", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     TokenCookie,
			Value:    token,
			Path:     "/",
			Expires:  expires,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		writeJSON(w, http.StatusOK, LoginResponse{User: user, Token: token})
	}
}

func (s *HttpServer) HandleAuthenticate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, authorizedUser(r))
	}
}

// HandleLogout clears the cookie. Tokens stay valid until they expire.
func (s *HttpServer) HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{
			Name:     TokenCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		w.WriteHeader(http.StatusOK)
	}
}
