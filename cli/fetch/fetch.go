// Package fetch implements the "fetch" command: it materializes the
// real artifacts behind download stub files.
package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-units"

	"github.com/remotebuild/rewrap/cli/arg"
	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/remote/remotetool"
	"github.com/remotebuild/rewrap/remote/stub"
	"github.com/remotebuild/rewrap/util/status"
	"github.com/remotebuild/rewrap/util/subprocess"
)

const (
	defaultCfg    = "build/remote/rewrapper.cfg"
	defaultBindir = "prebuilt/remote_execution/bin"
)

type fetchFlags struct {
	cfg    string
	bindir string
	paths  []string
}

func parseFetchArgs(args []string) (*fetchFlags, error) {
	f := &fetchFlags{cfg: defaultCfg, bindir: defaultBindir}
	if v, rest := arg.Pop(args, "cfg"); v != "" {
		f.cfg = v
		args = rest
	}
	if v, rest := arg.Pop(args, "bindir"); v != "" {
		f.bindir = v
		args = rest
	}
	for _, tok := range args {
		if strings.HasPrefix(tok, "-") {
			return nil, status.InvalidArgumentErrorf("unknown flag %q", tok)
		}
		f.paths = append(f.paths, tok)
	}
	if len(f.paths) == 0 {
		return nil, status.InvalidArgumentError("no stub paths given")
	}
	return f, nil
}

// HandleFetch downloads the content behind each named stub file.
// Paths that already hold real content are skipped. Returns 1 when any
// download fails; the failed paths keep their stubs.
func HandleFetch(args []string) (int, error) {
	f, err := parseFetchArgs(args)
	if err != nil {
		return 1, err
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return 1, status.InternalErrorf("getwd: %s", err)
	}

	var infos []*stub.Info
	var failed []string
	for _, p := range f.paths {
		info, err := stub.PathToStub(filepath.Join(workingDir, p))
		if err != nil {
			log.Warnf("%s: %s", p, err)
			failed = append(failed, p)
			continue
		}
		if info == nil {
			log.Debugf("%s is not a download stub, skipping", p)
			continue
		}
		// Fetch over the invoked path; the path recorded inside the
		// stub may be stale after a move.
		info.Path = p
		infos = append(infos, info)
	}
	if len(infos) == 0 && len(failed) == 0 {
		log.Printf("nothing to fetch")
		return 0, nil
	}

	downloader, err := newDownloader(workingDir, f.cfg, f.bindir)
	if err != nil {
		return 1, err
	}
	results := stub.DownloadOutputsBatch(context.Background(), downloader, infos, workingDir)

	var totalBytes int64
	fetched := 0
	for _, info := range infos {
		p := info.Path
		res := results[p]
		if res == nil || res.Error != nil || res.ExitCode != 0 {
			failed = append(failed, p)
			if res != nil {
				for _, line := range res.Stderr {
					log.Warnf("%s: %s", p, line)
				}
			}
			continue
		}
		fetched++
		if st, err := os.Stat(filepath.Join(workingDir, p)); err == nil {
			totalBytes += st.Size()
		}
		if log.StdoutIsTTY() {
			log.Printf("fetched %s", p)
		}
	}
	log.Printf("fetched %d of %d artifacts (%s)", fetched, len(infos), units.BytesSize(float64(totalBytes)))
	if len(failed) > 0 {
		sort.Strings(failed)
		fmt.Fprintf(os.Stderr, "failed to fetch: %s\n", strings.Join(failed, " "))
		return 1, nil
	}
	return 0, nil
}

// newDownloader locates the launcher config relative to the nearest
// checkout root above the working directory.
func newDownloader(workingDir, cfg, bindir string) (stub.Downloader, error) {
	execRoot := workingDir
	for {
		if info, err := os.Stat(filepath.Join(execRoot, cfg)); err == nil && !info.IsDir() {
			break
		}
		parent := filepath.Dir(execRoot)
		if parent == execRoot {
			return nil, status.FailedPreconditionErrorf("could not find %s above %s", cfg, workingDir)
		}
		execRoot = parent
	}
	cfgMap, err := remotetool.ParseConfigFile(filepath.Join(execRoot, cfg))
	if err != nil {
		return nil, err
	}
	return remotetool.New(filepath.Join(execRoot, bindir, "remotetool"), cfgMap, subprocess.NewRunner())
}
