package api

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/fleetview/fleetview-client/credentials"
	"github.com/fleetview/fleetview-client/gateway"
	apperrors "github.com/fleetview/fleetview-client/internal/errors"
	"github.com/fleetview/fleetview-client/internal/logging"
	"github.com/fleetview/fleetview-client/token"
)

const (
	// DefaultMaxLoginAttempts failed logins arm the client-side lockout.
	DefaultMaxLoginAttempts = 5

	// DefaultLockoutDuration is how long the lockout holds.
	DefaultLockoutDuration = 15 * time.Minute
)

// LoginResult is the outcome of a login attempt: either a stored
// credential triple or a pending second factor.
type LoginResult struct {
	Credentials *credentials.Credentials
	Requires2FA bool
	TempToken   string
}

// TwoFASetup is the server's enrollment payload.
type TwoFASetup struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauthUrl"`
	QRCode     string `json:"qrCode"`
}

// Auth is the authentication surface: login (with optional captcha and
// second factor), the refresh exchange the token lifecycle runs,
// registration, password recovery and the 2FA lifecycle. It also
// enforces a client-side login lockout persisted through store hints so
// it survives restarts.
type Auth struct {
	gateway   *gateway.Client
	store     credentials.Store
	lifecycle *token.Lifecycle

	maxAttempts int
	lockout     time.Duration
	nowFunc     func() time.Time
}

type AuthOption func(*Auth)

// WithLoginLockout overrides the attempt budget and lockout duration.
func WithLoginLockout(maxAttempts int, lockout time.Duration) AuthOption {
	return func(a *Auth) {
		a.maxAttempts = maxAttempts
		a.lockout = lockout
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) AuthOption {
	return func(a *Auth) {
		a.nowFunc = now
	}
}

// NewAuth builds the facade and installs its refresh exchange on the
// token lifecycle.
func NewAuth(gw *gateway.Client, store credentials.Store, lifecycle *token.Lifecycle, options ...AuthOption) *Auth {
	a := &Auth{
		gateway:     gw,
		store:       store,
		lifecycle:   lifecycle,
		maxAttempts: DefaultMaxLoginAttempts,
		lockout:     DefaultLockoutDuration,
		nowFunc:     time.Now,
	}
	for _, opt := range options {
		opt(a)
	}
	lifecycle.SetRefreshFunc(a.refresh)
	return a
}

type loginResponse struct {
	Token        string            `json:"token"`
	RefreshToken string            `json:"refreshToken"`
	User         *credentials.User `json:"user"`
	Requires2FA  bool              `json:"requires2FA"`
	TempToken    string            `json:"tempToken"`
}

// Login exchanges email and password (plus an optional captcha token)
// for a credential triple. A `requires2FA` response defers the outcome
// to VerifyTwoFALogin. Repeated failures arm the lockout.
func (a *Auth) Login(ctx context.Context, email, password, captchaToken string) (*LoginResult, error) {
	if err := a.checkLockout(); err != nil {
		return nil, err
	}

	body := map[string]string{"email": email, "password": password}
	if captchaToken != "" {
		body["captchaToken"] = captchaToken
	}

	result, err := a.gateway.DoUnauth(ctx, "POST", "/auth/login", body)
	if err != nil {
		a.recordFailure(err)
		return nil, apperrors.Wrapf(err, "[Auth.Login]")
	}

	var resp loginResponse
	if err := json.Unmarshal(result.Data, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.Login] decode")
	}

	if resp.Requires2FA {
		return &LoginResult{Requires2FA: true, TempToken: resp.TempToken}, nil
	}
	creds, err := a.establish(&resp)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Credentials: creds}, nil
}

// VerifyTwoFALogin completes a login that required a second factor.
func (a *Auth) VerifyTwoFALogin(ctx context.Context, code, tempToken string) (*LoginResult, error) {
	body := map[string]string{"token": code, "tempToken": tempToken}
	result, err := a.gateway.DoUnauth(ctx, "POST", "/auth/2fa/verify-login", body)
	if err != nil {
		a.recordFailure(err)
		return nil, apperrors.Wrapf(err, "[Auth.VerifyTwoFALogin]")
	}

	var resp loginResponse
	if err := json.Unmarshal(result.Data, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.VerifyTwoFALogin] decode")
	}
	creds, err := a.establish(&resp)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Credentials: creds}, nil
}

// establish persists a successful login and resets the lockout.
func (a *Auth) establish(resp *loginResponse) (*credentials.Credentials, error) {
	creds := &credentials.Credentials{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
	}
	if err := a.store.Set(creds); err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.establish]")
	}

	a.clearLockout()
	if resp.User != nil {
		_ = a.store.SetHint(credentials.HintUserRole, string(resp.User.Role))
		if resp.User.CompanyID != "" {
			_ = a.store.SetHint(credentials.HintCompanyID, resp.User.CompanyID)
		}
	}
	logging.Info().Str("user", userID(resp.User)).Msg("logged in")
	return creds, nil
}

// refresh is the exchange the token lifecycle single-flights.
func (a *Auth) refresh(ctx context.Context, refreshToken string) (*credentials.Credentials, error) {
	body := map[string]string{"refreshToken": refreshToken}
	result, err := a.gateway.DoUnauth(ctx, "POST", "/auth/refresh-token", body)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.refresh]")
	}

	var resp loginResponse
	if err := json.Unmarshal(result.Data, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.refresh] decode")
	}
	if resp.Token == "" {
		return nil, apperrors.ErrRefreshFailed
	}

	return &credentials.Credentials{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		User:         resp.User,
	}, nil
}

// Verify asks the server whether the current bearer is still accepted.
func (a *Auth) Verify(ctx context.Context) error {
	_, err := a.gateway.Do(ctx, "GET", "/auth/verify", nil)
	if err != nil {
		return apperrors.Wrapf(err, "[Auth.Verify]")
	}
	return nil
}

// RegisterInvitation creates a pending account and triggers the
// invitation email. Requires an authenticated admin caller.
func (a *Auth) RegisterInvitation(ctx context.Context, email string, role credentials.Role, companyID string) error {
	body := map[string]string{"email": email, "role": string(role)}
	if companyID != "" {
		body["company_id"] = companyID
	}
	if _, err := a.gateway.Do(ctx, "POST", "/auth/register-invitation", body); err != nil {
		return apperrors.Wrapf(err, "[Auth.RegisterInvitation]")
	}
	return nil
}

// VerifyToken confirms an invitation or password-reset token before the
// user is shown the corresponding form.
func (a *Auth) VerifyToken(ctx context.Context, tok string) error {
	path := "/auth/verify-token?token=" + url.QueryEscape(tok)
	if _, err := a.gateway.DoUnauth(ctx, "GET", path, nil); err != nil {
		return apperrors.Wrapf(err, "[Auth.VerifyToken]")
	}
	return nil
}

// CompleteRegistration turns an invitation token and a chosen password
// into a logged-in session.
func (a *Auth) CompleteRegistration(ctx context.Context, tok, password string) (*credentials.Credentials, error) {
	body := map[string]string{"token": tok, "password": password}
	result, err := a.gateway.DoWithToken(ctx, "POST", "/auth/complete-registration", body, tok)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.CompleteRegistration]")
	}

	var resp loginResponse
	if err := json.Unmarshal(result.Data, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.CompleteRegistration] decode")
	}
	return a.establish(&resp)
}

// ForgotPassword requests a reset email. The returned token is only
// populated by development servers.
func (a *Auth) ForgotPassword(ctx context.Context, email string) (string, error) {
	result, err := a.gateway.DoUnauth(ctx, "POST", "/auth/forgot-password", map[string]string{"email": email})
	if err != nil {
		return "", apperrors.Wrapf(err, "[Auth.ForgotPassword]")
	}

	var resp struct {
		ResetToken string `json:"resetToken"`
	}
	_ = json.Unmarshal(result.Data, &resp)
	return resp.ResetToken, nil
}

// ResetPassword consumes a reset token.
func (a *Auth) ResetPassword(ctx context.Context, tok, password string) error {
	body := map[string]string{"token": tok, "password": password}
	if _, err := a.gateway.DoUnauth(ctx, "POST", "/auth/reset-password", body); err != nil {
		return apperrors.Wrapf(err, "[Auth.ResetPassword]")
	}
	return nil
}

// UpdatePassword changes the current account's password.
func (a *Auth) UpdatePassword(ctx context.Context, currentPassword, newPassword string) error {
	body := map[string]string{"currentPassword": currentPassword, "newPassword": newPassword}
	if _, err := a.gateway.Do(ctx, "POST", "/users/update-password", body); err != nil {
		return apperrors.Wrapf(err, "[Auth.UpdatePassword]")
	}
	return nil
}

// GenerateTwoFA starts 2FA enrollment for the current account.
func (a *Auth) GenerateTwoFA(ctx context.Context) (*TwoFASetup, error) {
	result, err := a.gateway.Do(ctx, "POST", "/auth/2fa/generate", nil)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.GenerateTwoFA]")
	}

	var setup TwoFASetup
	if err := json.Unmarshal(result.Data, &setup); err != nil {
		return nil, apperrors.Wrapf(err, "[Auth.GenerateTwoFA] decode")
	}
	return &setup, nil
}

// VerifyTwoFASetup confirms enrollment with a first code.
func (a *Auth) VerifyTwoFASetup(ctx context.Context, code string) error {
	if _, err := a.gateway.Do(ctx, "POST", "/auth/2fa/verify-setup", map[string]string{"token": code}); err != nil {
		return apperrors.Wrapf(err, "[Auth.VerifyTwoFASetup]")
	}
	return nil
}

// DisableTwoFA turns the second factor off.
func (a *Auth) DisableTwoFA(ctx context.Context, code string) error {
	if _, err := a.gateway.Do(ctx, "POST", "/auth/2fa/disable", map[string]string{"token": code}); err != nil {
		return apperrors.Wrapf(err, "[Auth.DisableTwoFA]")
	}
	return nil
}

// TwoFAStatus reports whether the current account has 2FA enabled.
func (a *Auth) TwoFAStatus(ctx context.Context) (bool, error) {
	result, err := a.gateway.Do(ctx, "GET", "/auth/2fa/status", nil)
	if err != nil {
		return false, apperrors.Wrapf(err, "[Auth.TwoFAStatus]")
	}

	var resp struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(result.Data, &resp); err != nil {
		return false, apperrors.Wrapf(err, "[Auth.TwoFAStatus] decode")
	}
	return resp.Enabled, nil
}

// Logout revokes the session locally. The server holds no session
// state beyond the token, so no request goes out.
func (a *Auth) Logout() {
	a.lifecycle.Revoke(token.ReasonLogout)
}

// checkLockout rejects logins while the lockout deadline is in the
// future. An elapsed deadline clears itself.
func (a *Auth) checkLockout() error {
	raw, ok := a.store.Hint(credentials.HintLockoutUntil)
	if !ok {
		return nil
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		_ = a.store.DeleteHint(credentials.HintLockoutUntil)
		return nil
	}

	if a.nowFunc().Unix() < until {
		return apperrors.ErrLoginLocked
	}
	a.clearLockout()
	return nil
}

// recordFailure counts rejected credentials toward the lockout.
// Network failures do not count.
func (a *Auth) recordFailure(cause error) {
	if apperrors.Is(cause, apperrors.ErrNetwork) {
		return
	}

	attempts := 1
	if raw, ok := a.store.Hint(credentials.HintLoginAttempts); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			attempts = n + 1
		}
	}

	if attempts >= a.maxAttempts {
		until := a.nowFunc().Add(a.lockout).Unix()
		_ = a.store.SetHint(credentials.HintLockoutUntil, strconv.FormatInt(until, 10))
		_ = a.store.DeleteHint(credentials.HintLoginAttempts)
		logging.Warn().Int("attempts", attempts).Msg("login locked out")
		return
	}
	_ = a.store.SetHint(credentials.HintLoginAttempts, strconv.Itoa(attempts))
}

func (a *Auth) clearLockout() {
	_ = a.store.DeleteHint(credentials.HintLoginAttempts)
	_ = a.store.DeleteHint(credentials.HintLockoutUntil)
}

func userID(u *credentials.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
