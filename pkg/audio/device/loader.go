package device

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/drillcycle/pkg/audio"
)

// Loader opens the bytes behind a clip URL.
type Loader func(ctx context.Context, rawURL string) (io.ReadCloser, error)

// DefaultLoader reads local paths, file:// URLs and http(s) URLs.
func DefaultLoader(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path (a one-letter scheme is a Windows drive).
		return os.Open(rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return os.Open(u.Path)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// decode loads rawURL and converts it to format.
func decode(ctx context.Context, load Loader, rawURL string, format audio.Format) (*audio.Clip, error) {
	rc, err := load(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	clip, err := audio.DecodeWAV(rc)
	if err != nil {
		return nil, err
	}
	return clip.Convert(format)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
