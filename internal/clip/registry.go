package clip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const processorConfigFile = "preprocessor_config.json"

// Registry locates model files by identifier: a local directory, the
// on-disk cache, or a Hugging Face compatible hub.
type Registry struct {
	CacheDir string
	Endpoint string
	Revision string
	Token    string
	Client   *http.Client
}

// LoadProcessorConfig resolves modelID to its preprocessing parameters,
// downloading and caching them on first use.
func LoadProcessorConfig(ctx context.Context, reg Registry, modelID string) (ProcessorConfig, error) {
	raw, err := reg.resolve(ctx, modelID, processorConfigFile)
	if err != nil {
		return ProcessorConfig{}, err
	}
	cfg, err := ParseProcessorConfig(raw)
	if err != nil {
		return ProcessorConfig{}, fmt.Errorf("%s/%s: %w", modelID, processorConfigFile, err)
	}
	return cfg, nil
}

func (r Registry) resolve(ctx context.Context, modelID, file string) ([]byte, error) {
	if modelID == "" {
		return nil, errors.New("model id required")
	}
	if info, err := os.Stat(modelID); err == nil && info.IsDir() {
		return os.ReadFile(filepath.Join(modelID, file))
	}
	if filepath.IsAbs(modelID) || strings.Contains(modelID, "..") || strings.Contains(modelID, `\`) {
		return nil, fmt.Errorf("invalid model id %q", modelID)
	}

	cached := r.cachePath(modelID, file)
	if cached != "" {
		data, err := os.ReadFile(cached)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read cached %s: %w", file, err)
		}
	}

	data, err := r.download(ctx, modelID, file)
	if err != nil {
		return nil, err
	}
	if _, err := ParseProcessorConfig(data); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", modelID, file, err)
	}
	if cached != "" {
		if err := writeAtomic(cached, data); err != nil {
			return nil, fmt.Errorf("cache %s: %w", file, err)
		}
	}
	return data, nil
}

func (r Registry) cachePath(modelID, file string) string {
	if r.CacheDir == "" {
		return ""
	}
	rev := r.Revision
	if rev == "" {
		rev = "main"
	}
	return filepath.Join(r.CacheDir, filepath.FromSlash(modelID), rev, file)
}

func (r Registry) download(ctx context.Context, modelID, file string) ([]byte, error) {
	if r.Endpoint == "" {
		return nil, fmt.Errorf("%s for %q not found locally and no registry endpoint configured", file, modelID)
	}
	rev := r.Revision
	if rev == "" {
		rev = "main"
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(r.Endpoint, "/"), modelID, rev, file)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", file, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: %s", url, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// writeAtomic writes via a uniquely named temp file so concurrent starters
// never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
