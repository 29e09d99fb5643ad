package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/autodev/internal/tracker"
)

// commentMarker prefixes every comment the daemon posts, so its own output
// is never mistaken for human input.
const commentMarker = "[autodev]"

var prNumberPattern = regexp.MustCompile(`PR #(\d+)`)

// latestHumanComment scans newest-first for a human comment strictly newer
// than the watermark. Scanning stops at the first comment at or before the
// watermark; comments are assumed chronological. Self-authored and
// marker-prefixed comments are skipped.
func latestHumanComment(comments []tracker.Comment, watermark *time.Time, selfID string) *tracker.Comment {
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		if watermark != nil && !c.CreatedAt.After(*watermark) {
			return nil
		}
		if strings.HasPrefix(strings.TrimSpace(c.Body), commentMarker) {
			continue
		}
		if selfID != "" && c.AuthorID == selfID {
			continue
		}
		return &c
	}
	return nil
}

// classifyApproval reports whether body approves the plan. Approval is a
// case-insensitive prefix match on the keyword; trailing text becomes
// reviewer notes ("approve, keep it minimal" yields "keep it minimal").
func classifyApproval(body, keyword string) (bool, string) {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) < len(keyword) || !strings.EqualFold(trimmed[:len(keyword)], keyword) {
		return false, ""
	}
	notes := strings.TrimLeft(trimmed[len(keyword):], " \t,.:;-")
	return true, notes
}

// prNumberFromComments recovers a PR number recorded in an earlier progress
// comment, newest first.
func prNumberFromComments(comments []tracker.Comment) int {
	for i := len(comments) - 1; i >= 0; i-- {
		m := prNumberPattern.FindStringSubmatch(comments[i].Body)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// truncateOutput bounds agent output quoted in failure comments.
func truncateOutput(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
