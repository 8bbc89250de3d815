// Package provider implements the remote mailbox adapters.
package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/crypto"
	"mirror_server/pkg/httputil"
	"mirror_server/pkg/logger"
	"mirror_server/pkg/ratelimit"
	"mirror_server/pkg/resilience"
)

const (
	FormatFull = "full"
	FormatRaw  = "raw"

	credentialSaveTimeout = 5 * time.Second
)

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	FetchFormat  string // full | raw
}

// =============================================================================
// Gmail Session Factory
// =============================================================================

// GmailSessionFactory turns stored account credentials into Gmail sessions.
// All sessions share one circuit breaker, one rate limiter and one pooled transport.
type GmailSessionFactory struct {
	oauth         *oauth2.Config
	format        string
	accounts      out.AccountRepository
	enc           *crypto.Encryptor
	limiter       *ratelimit.Limiter
	breaker       *resilience.Breaker
	http          *http.Client
	clientOptions []option.ClientOption
}

// NewGmailSessionFactory creates the factory. limiter may be nil.
// Extra client options are appended to every service, e.g. option.WithEndpoint.
func NewGmailSessionFactory(cfg GmailConfig, accounts out.AccountRepository, enc *crypto.Encryptor, limiter *ratelimit.Limiter, opts ...option.ClientOption) *GmailSessionFactory {
	format := cfg.FetchFormat
	if format != FormatRaw {
		format = FormatFull
	}
	return &GmailSessionFactory{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{gmail.GmailReadonlyScope},
			Endpoint:     google.Endpoint,
		},
		format:        format,
		accounts:      accounts,
		enc:           enc,
		limiter:       limiter,
		breaker:       resilience.NewBreaker(resilience.DefaultBreakerConfig("gmail-api"), isCallerFault),
		http:          httputil.NewClient(httputil.GmailClientConfig()),
		clientOptions: opts,
	}
}

// Open decrypts the account credential and builds a session.
func (f *GmailSessionFactory) Open(ctx context.Context, account *domain.Account) (out.MailProvider, error) {
	if account.Credentials == "" {
		return nil, out.NewProviderError("gmail", out.ProviderErrAuth, "account has no stored credentials", nil, false)
	}

	var token oauth2.Token
	if err := f.enc.OpenJSON(account.Credentials, &token); err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrAuth, "failed to decrypt credentials", err, false)
	}
	if token.RefreshToken == "" && !token.Valid() {
		return nil, out.NewProviderError("gmail", out.ProviderErrTokenExpired, "token expired and no refresh token stored", nil, false)
	}

	// 토큰 갱신과 API 호출이 같은 커넥션 풀을 사용
	base := context.WithValue(context.Background(), oauth2.HTTPClient, f.http)
	source := &persistingTokenSource{
		src:  f.oauth.TokenSource(base, &token),
		last: token.AccessToken,
		save: f.credentialSaver(account.ID),
	}

	opts := append([]option.ClientOption{option.WithHTTPClient(oauth2.NewClient(base, source))}, f.clientOptions...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrServer, "failed to create gmail service", err, true)
	}
	return newGmailSession(account.ID, svc, f.format, f.limiter, f.breaker), nil
}

func (f *GmailSessionFactory) credentialSaver(accountID string) func(*oauth2.Token) error {
	return func(token *oauth2.Token) error {
		sealed, err := f.enc.SealJSON(token)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), credentialSaveTimeout)
		defer cancel()
		return f.accounts.UpdateCredentials(ctx, accountID, sealed)
	}
}

// SealToken encrypts a token the way Open expects to find it.
func (f *GmailSessionFactory) SealToken(token *oauth2.Token) (string, error) {
	return f.enc.SealJSON(token)
}

// BreakerState returns the shared circuit breaker state.
func (f *GmailSessionFactory) BreakerState() string {
	return f.breaker.State()
}

// =============================================================================
// Token Source - 갱신된 토큰을 암호화해 저장
// =============================================================================

type persistingTokenSource struct {
	src  oauth2.TokenSource
	save func(*oauth2.Token) error

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.src.Token()
	if err != nil {
		return nil, tokenError(err)
	}

	s.mu.Lock()
	refreshed := token.AccessToken != s.last
	s.last = token.AccessToken
	s.mu.Unlock()

	if refreshed && s.save != nil {
		if err := s.save(token); err != nil {
			// 저장 실패해도 이번 세션은 새 토큰으로 계속 진행
			logger.WithError(err).Warn("[GmailSession.Token] failed to persist refreshed token")
		}
	}
	return token, nil
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return out.NewProviderError("gmail", out.ProviderErrAuth, "token refresh rejected", err, false)
	}
	return out.NewProviderError("gmail", out.ProviderErrNetwork, "token refresh failed", err, true)
}

// isCallerFault keeps client errors from tripping the shared breaker.
func isCallerFault(err error) bool {
	if out.IsAuthError(err) {
		return true
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case 400, 401, 404:
		return true
	case 403:
		return !isRateLimited(apiErr)
	}
	return false
}

var _ out.ProviderSessionFactory = (*GmailSessionFactory)(nil)
