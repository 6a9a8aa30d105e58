// Package ids derives deterministic record identifiers so re-running a stage
// rewrites the same keys.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("papertrail"))

// Analysis identifies the analysis of a paper produced during a run.
func Analysis(paperID, runID string) string {
	return uuid.NewSHA1(namespace, []byte("analysis\x00"+paperID+"\x00"+runID)).String()
}

// Cluster identifies a newly formed cluster from its run and members.
func Cluster(runID string, memberIDs []string) string {
	key := "cluster\x00" + runID + "\x00" + strings.Join(memberIDs, "\x00")
	return "c-" + uuid.NewSHA1(namespace, []byte(key)).String()[:13]
}
