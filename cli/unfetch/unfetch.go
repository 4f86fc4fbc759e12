// Package unfetch implements the "unfetch" command: it puts download
// stubs back in place of previously fetched artifacts to reclaim disk
// space without invalidating the build graph.
package unfetch

import (
	"strings"

	"github.com/remotebuild/rewrap/cli/log"
	"github.com/remotebuild/rewrap/remote/stub"
	"github.com/remotebuild/rewrap/util/status"
)

// HandleUnfetch restores the backup stub over each named path. Paths
// without a backup stub are left alone.
func HandleUnfetch(args []string) (int, error) {
	var paths []string
	for _, tok := range args {
		if strings.HasPrefix(tok, "-") {
			return 1, status.InvalidArgumentErrorf("unknown flag %q", tok)
		}
		paths = append(paths, tok)
	}
	if len(paths) == 0 {
		return 1, status.InvalidArgumentError("no paths given")
	}
	code := 0
	for _, p := range paths {
		if err := stub.Undownload(p); err != nil {
			log.Warnf("unfetch %s: %s", p, err)
			code = 1
			continue
		}
		log.Debugf("restored stub for %s", p)
	}
	return code, nil
}
