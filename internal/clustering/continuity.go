package clustering

import (
	"sort"
	"strings"

	"papertrail/internal/domain"
)

const unlabeled = "unlabeled"

// Match pairs current groups with previous-run clusters. The result maps a
// current group index to the inherited previous cluster id; unmatched groups
// are absent. Pairs whose similarity exceeds threshold are taken greedily by
// similarity desc, member overlap desc, previous id asc.
func Match(current []Group, previous []domain.Cluster, threshold float64) map[int]string {
	type candidate struct {
		cur     int
		prevID  string
		sim     float64
		overlap int
	}

	var candidates []candidate
	for ci, g := range current {
		members := make(map[string]struct{}, len(g.MemberIDs))
		for _, id := range g.MemberIDs {
			members[id] = struct{}{}
		}
		for _, p := range previous {
			sim := Cosine(g.Centroid, p.Centroid)
			if sim <= threshold {
				continue
			}
			overlap := 0
			for _, id := range p.MemberIDs {
				if _, ok := members[id]; ok {
					overlap++
				}
			}
			candidates = append(candidates, candidate{cur: ci, prevID: p.ID, sim: sim, overlap: overlap})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.sim != b.sim {
			return a.sim > b.sim
		}
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.prevID != b.prevID {
			return a.prevID < b.prevID
		}
		return a.cur < b.cur
	})

	matched := map[int]string{}
	usedPrev := map[string]bool{}
	for _, c := range candidates {
		if _, ok := matched[c.cur]; ok || usedPrev[c.prevID] {
			continue
		}
		matched[c.cur] = c.prevID
		usedPrev[c.prevID] = true
	}
	return matched
}

// Trend classifies a cluster against its matched predecessor; a nil predecessor means new.
func Trend(members int, predecessor *domain.Cluster, growthThreshold float64) domain.ClusterTrend {
	if predecessor == nil {
		return domain.TrendNew
	}
	prev := len(predecessor.MemberIDs)
	if prev == 0 {
		return domain.TrendGrowing
	}
	if float64(members-prev)/float64(prev) > growthThreshold {
		return domain.TrendGrowing
	}
	return domain.TrendStable
}

// Label returns the most frequent tag among members, ties broken lexicographically.
func Label(memberIDs []string, tagsByID map[string][]string) string {
	counts := map[string]int{}
	display := map[string]string{}
	for _, id := range memberIDs {
		seen := map[string]bool{}
		for _, raw := range tagsByID[id] {
			tag := strings.TrimSpace(raw)
			key := strings.ToLower(tag)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			counts[key]++
			if cur, ok := display[key]; !ok || tag < cur {
				display[key] = tag
			}
		}
	}

	best, bestCount := "", 0
	for key, n := range counts {
		if n > bestCount || (n == bestCount && key < best) {
			best, bestCount = key, n
		}
	}
	if best == "" {
		return unlabeled
	}
	return display[best]
}
