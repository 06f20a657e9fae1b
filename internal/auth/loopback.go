package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// LoopbackAuthorize runs the installed-app flow: it listens on a random local
// port, prints the consent URL to out and exchanges the code that Google
// redirects back with.
func LoopbackAuthorize(out io.Writer) AuthorizeFunc {
	return func(ctx context.Context, oc *oauth2.Config) (*oauth2.Token, error) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to start callback listener: %w", err)
		}

		cfg := *oc
		cfg.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())

		state, err := randomState()
		if err != nil {
			ln.Close()
			return nil, err
		}

		codeCh := make(chan string, 1)
		errCh := make(chan error, 1)

		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("state") != state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			if e := q.Get("error"); e != "" {
				http.Error(w, "authorization denied", http.StatusForbidden)
				select {
				case errCh <- fmt.Errorf("authorization denied: %s", e):
				default:
				}
				return
			}
			fmt.Fprintln(w, "Authorization complete. You may close this window.")
			select {
			case codeCh <- q.Get("code"):
			default:
			}
		})}

		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("Authorization callback server error: %v", err)
			}
		}()
		defer srv.Close()

		authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
		fmt.Fprintf(out, "Go to the following link in your browser to authorize access:\n%s\n", authURL)

		select {
		case code := <-codeCh:
			tok, err := cfg.Exchange(ctx, code)
			if err != nil {
				return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			return tok, nil
		case err := <-errCh:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
