package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klipach/community/contract"
)

const defaultBaseURL = "https://identitytoolkit.googleapis.com/v1"

// User is the signed-in account as reported by the identity service.
type User struct {
	UID          string
	Email        string
	DisplayName  string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

func (u *User) Principal() contract.Principal {
	return contract.Principal{UID: u.UID, DisplayName: u.DisplayName, Email: u.Email}
}

type ProviderOption func(*Provider)

// WithBaseURL points the provider at another Identity Toolkit endpoint, such
// as the auth emulator.
func WithBaseURL(u string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider signs users in with email and password through the Identity
// Toolkit REST API and keeps the current user.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu        sync.Mutex
	user      *User
	nextID    int
	listeners map[int]func(*User)
}

func NewProvider(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		client:    http.DefaultClient,
		now:       time.Now,
		listeners: make(map[int]func(*User)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*User, error) {
	return p.signIn(ctx, "accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (*User, error) {
	return p.signIn(ctx, "accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
}

// SignInWithCustomToken exchanges a token minted by the admin SDK.
func (p *Provider) SignInWithCustomToken(ctx context.Context, token string) (*User, error) {
	return p.signIn(ctx, "accounts:signInWithCustomToken", map[string]any{
		"token":             token,
		"returnSecureToken": true,
	})
}

func (p *Provider) signIn(ctx context.Context, method string, payload map[string]any) (*User, error) {
	var resp signInResponse
	if err := p.post(ctx, method, payload, &resp); err != nil {
		return nil, err
	}
	user := &User{
		UID:          resp.LocalID,
		Email:        resp.Email,
		DisplayName:  resp.DisplayName,
		IDToken:      resp.IDToken,
		RefreshToken: resp.RefreshToken,
	}
	if secs, err := strconv.Atoi(resp.ExpiresIn); err == nil {
		user.ExpiresAt = p.now().Add(time.Duration(secs) * time.Second)
	}
	p.setUser(user)
	return user, nil
}

func (p *Provider) post(ctx context.Context, method string, payload any, out any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s?key=%s", p.baseURL, method, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &Error{Code: CodeNetwork, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Code: CodeNetwork, Message: err.Error(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
			return &Error{Code: "auth/internal-error", Message: fmt.Sprintf("non-OK HTTP status: %d", resp.StatusCode)}
		}
		return restError(e.Error.Message)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error unmarshalling response: %w", err)
	}
	return nil
}

// SignOut forgets the current user.
func (p *Provider) SignOut() {
	p.setUser(nil)
}

func (p *Provider) CurrentUser() *User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

// IDToken returns the token of the current user.
func (p *Provider) IDToken() (string, error) {
	u := p.CurrentUser()
	if u == nil {
		return "", &Error{Code: CodeSignedOut, Message: "no user is signed in"}
	}
	return u.IDToken, nil
}

// OnAuthChange calls fn with the current user right away and after every
// sign-in and sign-out; nil means signed out. The returned func stops it.
func (p *Provider) OnAuthChange(fn func(*User)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	user := p.user
	p.mu.Unlock()

	fn(user)
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Provider) setUser(u *User) {
	p.mu.Lock()
	p.user = u
	fns := make([]func(*User), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
