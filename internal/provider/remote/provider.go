// Package remote implements provider.Provider against the HTTP API of a
// cloud sandbox host.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/vedranjukic/apex/internal/provider"
)

const requestTimeout = 30 * time.Second

// Options configures the remote provider.
type Options struct {
	// BaseURL is the sandbox host API root, e.g. https://api.sandboxes.example.com.
	BaseURL string

	// APIKey authenticates requests via bearer token when set.
	APIKey string

	// ClientID/ClientSecret switch authentication to the OAuth2 client
	// credentials flow against BaseURL/oauth/token. Takes precedence over
	// APIKey when both are set.
	ClientID     string
	ClientSecret string
}

// Provider talks to the remote sandbox host.
type Provider struct {
	baseURL string
	client  *http.Client
}

// New creates a remote provider.
func New(opts Options) (*Provider, error) {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}

	var client *http.Client
	switch {
	case opts.ClientID != "":
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     base + "/oauth/token",
		}
		client = cc.Client(context.Background())
	case opts.APIKey != "":
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIKey, TokenType: "Bearer"})
		client = oauth2.NewClient(context.Background(), src)
	default:
		client = &http.Client{}
	}
	client.Timeout = requestTimeout

	return &Provider{baseURL: base, client: client}, nil
}

type sandboxResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do performs one API call and decodes the response into out (if non-nil).
func (p *Provider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox host request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode sandbox host response: %w", err)
		}
	}
	return nil
}

// decodeError maps API failures onto the provider sentinel errors.
func decodeError(resp *http.Response) error {
	var apiErr apiError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &apiErr)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return provider.ErrNotFound
	case resp.StatusCode == http.StatusConflict && apiErr.Code == "has_forks":
		return provider.ErrHasForks
	case apiErr.Message != "":
		return fmt.Errorf("sandbox host: %s (status %d)", apiErr.Message, resp.StatusCode)
	default:
		return fmt.Errorf("sandbox host returned status %d", resp.StatusCode)
	}
}

func (p *Provider) CreateSandbox(ctx context.Context, req provider.CreateRequest) (string, error) {
	payload := map[string]string{
		"snapshot": req.Snapshot,
		"name":     req.ProjectName,
	}
	if req.GitRepo != "" {
		payload["gitRepo"] = req.GitRepo
	}
	if req.AgentAPIKey != "" {
		payload["agentApiKey"] = req.AgentAPIKey
	}
	var out sandboxResponse
	if err := p.do(ctx, http.MethodPost, "/sandboxes", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *Provider) ReconnectSandbox(ctx context.Context, sandboxID, dirName string) error {
	payload := map[string]string{"dir": dirName}
	return p.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/start", payload, nil)
}

func (p *Provider) StopSandbox(ctx context.Context, sandboxID string) error {
	return p.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/stop", nil, nil)
}

func (p *Provider) DeleteSandbox(ctx context.Context, sandboxID string) error {
	return p.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(sandboxID), nil, nil)
}

func (p *Provider) GetSandboxState(ctx context.Context, sandboxID string) (provider.State, error) {
	var out sandboxResponse
	if err := p.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID), nil, &out); err != nil {
		return "", err
	}
	return provider.State(out.State), nil
}

func (p *Provider) ForkSandbox(ctx context.Context, srcID, branch, projectName string) (string, error) {
	payload := map[string]string{
		"branch": branch,
		"name":   projectName,
	}
	var out sandboxResponse
	if err := p.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(srcID)+"/fork", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *Provider) GetPortPreviewURL(ctx context.Context, sandboxID string, port int) (*provider.PreviewURL, error) {
	var out provider.PreviewURL
	path := fmt.Sprintf("/sandboxes/%s/ports/%d/preview", url.PathEscape(sandboxID), port)
	if err := p.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Provider) GetVscodeURL(ctx context.Context, sandboxID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := p.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID)+"/vscode-url", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (p *Provider) CreateSSHAccess(ctx context.Context, sandboxID string) (*provider.SSHAccess, error) {
	var out provider.SSHAccess
	if err := p.do(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sandboxID)+"/ssh-access", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Provider) BridgeURL(ctx context.Context, sandboxID string) (string, error) {
	var out struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := p.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID)+"/bridge", nil, &out); err != nil {
		return "", err
	}
	if out.Token != "" {
		sep := "?"
		if strings.Contains(out.URL, "?") {
			sep = "&"
		}
		return out.URL + sep + "token=" + url.QueryEscape(out.Token), nil
	}
	return out.URL, nil
}
