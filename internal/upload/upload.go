// Package upload publishes recordings to YouTube.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

var (
	ErrNotAuthenticated = errors.New("youtube client not initialized, authenticate first")
	ErrFileNotFound     = errors.New("video file not found")
)

const (
	DefaultPrivacy  = "private"
	DefaultCategory = "22" // People & Blogs
)

// Video describes one upload.
type Video struct {
	Path        string
	Title       string
	Description string
	Tags        []string
	Privacy     string
	Category    string
}

// URL returns the short watch link for a video id.
func URL(id string) string {
	return "https://youtu.be/" + id
}

// Uploader runs the installed-app OAuth flow and uploads videos.
type Uploader struct {
	ClientSecrets string
	TokenFile     string
	// Out receives the consent URL and progress lines.
	Out io.Writer

	service *youtube.Service
}

// New returns an uploader reading OAuth client secrets from clientSecrets and
// caching the token in tokenFile.
func New(clientSecrets, tokenFile string) *Uploader {
	return &Uploader{ClientSecrets: clientSecrets, TokenFile: tokenFile, Out: os.Stderr}
}

// Authenticate builds the API client, reusing a cached token when present and
// otherwise running the consent flow on a loopback port.
func (u *Uploader) Authenticate(ctx context.Context) error {
	secrets, err := os.ReadFile(u.ClientSecrets)
	if err != nil {
		return fmt.Errorf("read client secrets: %w", err)
	}
	conf, err := google.ConfigFromJSON(secrets, youtube.YoutubeUploadScope)
	if err != nil {
		return fmt.Errorf("parse client secrets: %w", err)
	}

	tok, err := loadToken(u.TokenFile)
	if err != nil {
		tok, err = u.consent(ctx, conf)
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		if u.TokenFile != "" {
			if err := saveToken(u.TokenFile, tok); err != nil {
				fmt.Fprintf(u.Out, "⚠️  Could not cache token: %v\n", err)
			}
		}
	}

	svc, err := youtube.NewService(ctx, option.WithHTTPClient(conf.Client(ctx, tok)))
	if err != nil {
		return fmt.Errorf("create youtube client: %w", err)
	}
	u.UseService(svc)
	fmt.Fprintln(u.Out, "Authentication successful!")
	return nil
}

// UseService installs the YouTube client that Upload talks to. Authenticate
// calls it once consent succeeds; callers holding their own client may skip
// Authenticate and call it directly.
func (u *Uploader) UseService(svc *youtube.Service) {
	u.service = svc
}

// consent listens on 127.0.0.1:0, prints the consent URL and waits for the redirect.
func (u *Uploader) consent(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()
	conf.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	srv := &http.Server{Handler: callbackHandler(state, codeCh, errCh)}
	go srv.Serve(ln)
	defer srv.Close()

	fmt.Fprintf(u.Out, "🔑 Open this URL to authorize uploads:\n%s\n", conf.AuthCodeURL(state, oauth2.AccessTypeOffline))

	select {
	case code := <-codeCh:
		return conf.Exchange(ctx, code)
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// callbackHandler receives the OAuth redirect. Only the first result is
// delivered; repeated redirects (browser refresh, retries) never block.
func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, e, http.StatusBadRequest)
			select {
			case errCh <- fmt.Errorf("consent denied: %s", e):
			default:
			}
			return
		}
		fmt.Fprintln(w, "Authentication complete. You may close this window.")
		select {
		case codeCh <- q.Get("code"):
		default:
		}
	})
}

// Upload sends v and returns the new video id.
func (u *Uploader) Upload(ctx context.Context, v Video) (string, error) {
	if _, err := os.Stat(v.Path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, v.Path)
	}
	if u.service == nil {
		return "", ErrNotAuthenticated
	}
	if v.Privacy == "" {
		v.Privacy = DefaultPrivacy
	}
	if v.Category == "" {
		v.Category = DefaultCategory
	}
	if v.Title == "" {
		v.Title = filepath.Base(v.Path)
	}

	f, err := os.Open(v.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       v.Title,
			Description: v.Description,
			Tags:        v.Tags,
			CategoryId:  v.Category,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           v.Privacy,
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}

	fmt.Fprintf(u.Out, "Uploading %s...\n", v.Path)
	resp, err := u.service.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", v.Path, err)
	}
	return resp.Id, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
