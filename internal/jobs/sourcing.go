package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/realmhq/realm-agent/internal/cas"
)

// ResolveSource fetches a source locator (file:<path>, http(s)://…, or
// cas:<digest>) into the CAS, verifying pinnedSHA if non-empty, and
// returns the local CAS path.
// Exported so the supervisor's manifest-apply path can stage component
// sources through the same resolver jobs use.
func ResolveSource(ctx context.Context, store *cas.Store, source, pinnedSHA string) (string, error) {
	return resolveSource(ctx, store, source, pinnedSHA)
}

func resolveSource(ctx context.Context, store *cas.Store, source, pinnedSHA string) (string, error) {
	switch {
	case strings.HasPrefix(source, "cas:"):
		digest := strings.TrimPrefix(source, "cas:")
		if pinnedSHA != "" && pinnedSHA != digest {
			return "", fmt.Errorf("jobs: pinned digest %s does not match cas source digest %s", pinnedSHA, digest)
		}
		path, err := store.GetPath(digest)
		if err != nil {
			return "", fmt.Errorf("jobs: cas source %s: %w", digest, err)
		}
		return path, nil

	case strings.HasPrefix(source, "file:"):
		data, err := os.ReadFile(strings.TrimPrefix(source, "file:"))
		if err != nil {
			return "", fmt.Errorf("jobs: read file source: %w", err)
		}
		return stageAndVerify(store, data, pinnedSHA)

	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		data, err := fetchHTTP(ctx, source)
		if err != nil {
			return "", err
		}
		return stageAndVerify(store, data, pinnedSHA)

	default:
		return "", fmt.Errorf("jobs: unrecognized source scheme %q", source)
	}
}

func stageAndVerify(store *cas.Store, data []byte, pinnedSHA string) (string, error) {
	digest, err := store.Put(data)
	if err != nil {
		return "", fmt.Errorf("jobs: stage artifact: %w", err)
	}
	if pinnedSHA != "" && pinnedSHA != digest {
		return "", fmt.Errorf("jobs: pinned digest %s does not match fetched content digest %s", pinnedSHA, digest)
	}
	return store.GetPath(digest)
}

func fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("jobs: build request: %w", err)
	}
	c := &http.Client{Timeout: 2 * time.Minute}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jobs: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jobs: fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jobs: read body %s: %w", url, err)
	}
	return data, nil
}
