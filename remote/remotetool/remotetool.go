// Package remotetool wraps the backend's blob fetch tool. The remote
// execution service itself stays behind this command-line boundary; we
// never open a connection to it directly.
package remotetool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/remotebuild/rewrap/util/status"
	"github.com/remotebuild/rewrap/util/subprocess"
)

// Config is the parsed reproxy configuration, a flat file of
// "key=value" lines.
type Config map[string]string

// ParseConfigFile reads a reproxy cfg file. Blank lines and "#"
// comments are skipped; later duplicate keys win.
func ParseConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.NotFoundErrorf("reproxy config %s: %s", path, err)
		}
		return nil, err
	}
	defer f.Close()

	cfg := Config{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		cfg[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, status.WrapErrorf(err, "scan reproxy config %s", path)
	}
	return cfg, nil
}

// Tool fetches blobs and directory trees by digest with the backend's
// standalone fetch binary.
type Tool struct {
	// Bin is the fetch tool executable.
	Bin string
	// Service and Instance address the backend, taken from the reproxy
	// config.
	Service  string
	Instance string

	runner subprocess.Runner
}

// New builds a Tool addressed by the reproxy config.
func New(bin string, cfg Config, runner subprocess.Runner) (*Tool, error) {
	service := cfg["service"]
	if service == "" {
		return nil, status.InvalidArgumentError("reproxy config is missing 'service'")
	}
	if runner == nil {
		runner = subprocess.NewRunner()
	}
	return &Tool{
		Bin:      bin,
		Service:  service,
		Instance: cfg["instance"],
		runner:   runner,
	}, nil
}

func (t *Tool) fetch(ctx context.Context, operation, path, digest, cwd string) *subprocess.Result {
	args := []string{
		t.Bin,
		fmt.Sprintf("--service=%s", t.Service),
		fmt.Sprintf("--operation=%s", operation),
		fmt.Sprintf("--digest=%s", digest),
		fmt.Sprintf("--path=%s", path),
	}
	if t.Instance != "" {
		args = append(args, fmt.Sprintf("--instance=%s", t.Instance))
	}
	return t.runner.Run(ctx, args, &subprocess.Options{Dir: cwd, Quiet: true})
}

// DownloadBlob fetches a file blob to path.
func (t *Tool) DownloadBlob(ctx context.Context, path, digest, cwd string) *subprocess.Result {
	return t.fetch(ctx, "download_blob", path, digest, cwd)
}

// DownloadDir fetches a directory tree to path.
func (t *Tool) DownloadDir(ctx context.Context, path, digest, cwd string) *subprocess.Result {
	return t.fetch(ctx, "download_dir", path, digest, cwd)
}
