package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/xid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const githubUserAPI = "https://api.github.com/user"

// GitHubUser is the portion of the GitHub /user API response we care about.
//
// GitHub API docs: https://docs.github.com/en/rest/users/users#get-the-authenticated-user
type GitHubUser struct {
	ID    int64  `json:"id"` // stable, survives username changes
	Login string `json:"login"`
}

// GitHubProvider wraps golang.org/x/oauth2 for the GitHub Authorization Code flow.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. The server redirects the user to GitHub with our ClientID and scopes.
//  2. The user approves on GitHub.
//  3. GitHub redirects back to CallbackURL with a short-lived "code".
//  4. The server exchanges the code for an access token (server-to-server).
//  5. The server calls the GitHub API for the user's profile.
type GitHubProvider struct {
	config  *oauth2.Config
	userAPI string
}

// NewGitHubProvider creates a GitHubProvider with the given credentials.
// callbackURL must match the "Authorization callback URL" of the OAuth App
// exactly, e.g. "http://localhost:8080/auth/github/callback".
func NewGitHubProvider(clientID, clientSecret, callbackURL string) *GitHubProvider {
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user"},
			Endpoint:     github.Endpoint,
		},
		userAPI: githubUserAPI,
	}
}

// NewState returns a random value for the OAuth "state" parameter. It is
// stored in a short-lived cookie and compared on callback (CSRF check).
func NewState() string {
	return xid.New().String()
}

// AuthURL returns the URL to redirect the user to for authorization.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the authorization code for the caller's GitHub profile.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*GitHubUser, error) {
	oauthToken, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}

	// The returned client adds "Authorization: Bearer <token>" to every request.
	client := p.config.Client(ctx, oauthToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userAPI, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: building GitHub /user request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: calling GitHub /user API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: GitHub /user API returned status %d", resp.StatusCode)
	}

	var ghUser GitHubUser
	if err := json.NewDecoder(resp.Body).Decode(&ghUser); err != nil {
		return nil, fmt.Errorf("auth: decoding GitHub /user response: %w", err)
	}

	if ghUser.ID == 0 || ghUser.Login == "" {
		return nil, fmt.Errorf("auth: GitHub returned an incomplete user profile")
	}

	return &ghUser, nil
}
