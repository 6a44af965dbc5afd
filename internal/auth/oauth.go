package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"agentry/internal/billing"
	"agentry/internal/logging"
	"agentry/pkg/models"
)

var ErrUnknownProvider = errors.New("unknown oauth provider")

// OAuthUserInfo is the provider-neutral identity returned after a code
// exchange.
type OAuthUserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
	Provider string `json:"provider"`
}

// OAuthProvider is one configured sign-in backend.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, token *oauth2.Token) (*OAuthUserInfo, error)
}

// RegisterProvider makes a provider available under its name.
func (s *Service) RegisterProvider(name string, provider OAuthProvider) {
	s.oauth[name] = provider
}

// OAuthURL returns the provider's consent URL for the given state.
func (s *Service) OAuthURL(provider, state string) (string, error) {
	p, ok := s.oauth[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	return p.AuthURL(state), nil
}

// OAuthLogin exchanges an authorization code and signs the user in,
// provisioning an account on first contact. Provider emails count as
// verified.
func (s *Service) OAuthLogin(ctx context.Context, provider, code string, meta SessionMeta) (*models.User, *TokenPair, error) {
	p, ok := s.oauth[provider]
	if !ok {
		return nil, nil, ErrUnknownProvider
	}

	token, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("oauth code exchange failed: %w", err)
	}
	info, err := p.UserInfo(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch oauth profile: %w", err)
	}
	if info.Email == "" {
		return nil, nil, fmt.Errorf("%s did not return an email address", provider)
	}

	user, err := s.provisionOAuthUser(ctx, provider, info)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, ErrAccountDisabled
	}

	pair, err := s.issuePair(ctx, user, meta)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// provisionOAuthUser finds the account for a provider identity,
// linking by email when the subject is new, creating the account when
// both are.
func (s *Service) provisionOAuthUser(ctx context.Context, provider string, info *OAuthUserInfo) (*models.User, error) {
	email := strings.ToLower(info.Email)

	var user models.User
	err := s.db.WithContext(ctx).
		Where(&models.User{OAuthProvider: provider, OAuthSubject: info.ID}).
		First(&user).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		updates := map[string]interface{}{
			"o_auth_provider": provider,
			"o_auth_subject":  info.ID,
			"is_verified":     true,
		}
		if user.AvatarURL == "" && info.Picture != "" {
			updates["avatar_url"] = info.Picture
		}
		if err := s.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("failed to link oauth identity: %w", err)
		}
		logging.S().Infow("OAuth identity linked",
			"user_id", user.ID, "provider", provider)
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	username, err := s.uniqueUsername(ctx, usernameFromEmail(email))
	if err != nil {
		return nil, err
	}

	grant := billing.MonthlyCredits(models.PlanFree)
	user = models.User{
		Username:        username,
		Email:           email,
		FullName:        info.Name,
		AvatarURL:       info.Picture,
		OAuthProvider:   provider,
		OAuthSubject:    info.ID,
		IsActive:        true,
		IsVerified:      true,
		Plan:            models.PlanFree,
		PlanRenewsAt:    time.Now().AddDate(0, 1, 0),
		Credits:         grant,
		LifetimeCredits: grant,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("failed to provision oauth user: %w", err)
	}

	logging.S().Infow("User provisioned via OAuth",
		"user_id", user.ID, "provider", provider, "username", username)
	return &user, nil
}

// usernameFromEmail derives a username candidate from the local part.
func usernameFromEmail(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i > 0 {
		local = email[:i]
	}

	var b strings.Builder
	for _, r := range strings.ToLower(local) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) < 3 {
		name = "user" + name
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

func (s *Service) uniqueUsername(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 1; i <= 50; i++ {
		var n int64
		err := s.db.WithContext(ctx).Model(&models.User{}).
			Where("username = ?", candidate).
			Count(&n).Error
		if err != nil {
			return "", err
		}
		if n == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return base + hex.EncodeToString(suffix), nil
}

// GoogleOAuth signs users in with their Google account.
type GoogleOAuth struct {
	config *oauth2.Config
}

func NewGoogleOAuth(clientID, clientSecret, redirectURL string) *GoogleOAuth {
	return &GoogleOAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
	}
}

func (g *GoogleOAuth) AuthURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (g *GoogleOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return g.config.Exchange(ctx, code)
}

func (g *GoogleOAuth) UserInfo(ctx context.Context, token *oauth2.Token) (*OAuthUserInfo, error) {
	client := g.config.Client(ctx, token)

	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var googleUser struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal(body, &googleUser); err != nil {
		return nil, err
	}

	return &OAuthUserInfo{
		ID:       googleUser.ID,
		Email:    googleUser.Email,
		Name:     googleUser.Name,
		Picture:  googleUser.Picture,
		Provider: "google",
	}, nil
}

// GitHubOAuth signs users in with their GitHub account.
type GitHubOAuth struct {
	config *oauth2.Config
}

func NewGitHubOAuth(clientID, clientSecret, redirectURL string) *GitHubOAuth {
	return &GitHubOAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"user:email"},
			Endpoint:     github.Endpoint,
		},
	}
}

func (gh *GitHubOAuth) AuthURL(state string) string {
	return gh.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (gh *GitHubOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return gh.config.Exchange(ctx, code)
}

func (gh *GitHubOAuth) UserInfo(ctx context.Context, token *oauth2.Token) (*OAuthUserInfo, error) {
	client := gh.config.Client(ctx, token)

	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &githubUser); err != nil {
		return nil, err
	}

	// The profile email is often private; fall back to the primary
	// address from the emails endpoint.
	if githubUser.Email == "" {
		githubUser.Email = gh.primaryEmail(ctx, token)
	}

	return &OAuthUserInfo{
		ID:       fmt.Sprintf("%d", githubUser.ID),
		Email:    githubUser.Email,
		Name:     githubUser.Name,
		Picture:  githubUser.AvatarURL,
		Provider: "github",
	}, nil
}

func (gh *GitHubOAuth) primaryEmail(ctx context.Context, token *oauth2.Token) string {
	client := gh.config.Client(ctx, token)

	resp, err := client.Get("https://api.github.com/user/emails")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if json.Unmarshal(body, &emails) != nil {
		return ""
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	return ""
}
