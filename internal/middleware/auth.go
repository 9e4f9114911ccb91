package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Principal 是通过鉴权的调用方。
type Principal struct {
	Subject string
	Method  string // "api_key" 或 "jwt"
}

type principalKey struct{}

// PrincipalFrom 从 context 中取出调用方，未鉴权时返回零值与 false。
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// AuthConfig 描述可接受的凭证。
type AuthConfig struct {
	APIKeys   []string
	JWTSecret string // HS256 等 HMAC 签名
	JWKSURL   string // RS256/ES256 等非对称签名的公钥集合
}

// Authenticator 校验 "ApiKey <key>" 或 "Bearer <jwt>" 两种凭证。
type Authenticator struct {
	keys   [][]byte
	secret []byte
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
	logger *zap.Logger
}

// NewAuthenticator 创建鉴权器。配置了 JWKSURL 时会立即拉取一次公钥并在后台定期刷新。
func NewAuthenticator(cfg AuthConfig, logger *zap.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authenticator{
		secret: []byte(cfg.JWTSecret),
		parser: jwt.NewParser(jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second)),
		logger: logger.Named("auth"),
	}
	for _, key := range cfg.APIKeys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			a.keys = append(a.keys, []byte(trimmed))
		}
	}

	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshRateLimit:  5 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				a.logger.Error("JWKS refresh failed", zap.Error(err))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("load JWKS from %s: %w", cfg.JWKSURL, err)
		}
		a.jwks = jwks
		a.logger.Info("JWKS initialized", zap.String("url", cfg.JWKSURL))
	}

	if len(a.keys) == 0 && len(a.secret) == 0 && a.jwks == nil {
		return nil, errors.New("auth enabled but no API keys, JWT secret or JWKS URL configured")
	}
	return a, nil
}

// Close 停止 JWKS 后台刷新。
func (a *Authenticator) Close() {
	if a != nil && a.jwks != nil {
		a.jwks.EndBackground()
	}
}

// Middleware 拒绝没有有效凭证的请求。
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if authHeader == "" {
			writeAuthError(w, "missing Authorization header")
			return
		}

		scheme, credential, _ := strings.Cut(authHeader, " ")
		credential = strings.TrimSpace(credential)
		if credential == "" {
			writeAuthError(w, "empty credential")
			return
		}

		var (
			principal Principal
			err       error
		)
		switch strings.ToLower(scheme) {
		case "apikey":
			principal, err = a.checkAPIKey(credential)
		case "bearer":
			principal, err = a.checkToken(credential)
		default:
			writeAuthError(w, "invalid Authorization format, expected: Bearer <token> or ApiKey <key>")
			return
		}
		if err != nil {
			a.logger.Debug("authentication failed", zap.String("scheme", scheme), zap.Error(err))
			writeAuthError(w, "invalid credentials")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) checkAPIKey(key string) (Principal, error) {
	for _, valid := range a.keys {
		if subtle.ConstantTimeCompare(valid, []byte(key)) == 1 {
			return Principal{Subject: "api-key:" + key[:min(4, len(key))], Method: "api_key"}, nil
		}
	}
	return Principal{}, errors.New("unknown API key")
}

func (a *Authenticator) checkToken(raw string) (Principal, error) {
	token, err := a.parser.Parse(raw, a.keyFor)
	if err != nil {
		return Principal{}, err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{Subject: sub, Method: "jwt"}, nil
}

func (a *Authenticator) keyFor(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
		if len(a.secret) == 0 {
			return nil, errors.New("HMAC tokens are not accepted")
		}
		return a.secret, nil
	}
	if a.jwks != nil {
		return a.jwks.Keyfunc(token)
	}
	return nil, fmt.Errorf("unsupported signing method %s", token.Method.Alg())
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="jutjub"`)
	writeEnvelopeError(w, http.StatusUnauthorized, message)
}
