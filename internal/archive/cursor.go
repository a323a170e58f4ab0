package archive

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// DecodeCursor parses an opaque page cursor. An empty string means the
// first page.
func DecodeCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	completedPart, jobID, ok := strings.Cut(string(decoded), "|")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var completedAt int64
	if _, err := fmt.Sscanf(completedPart, "%d", &completedAt); err != nil {
		return nil, fmt.Errorf("invalid completed_at in cursor: %w", err)
	}

	return &JobCursor{
		CompletedAt: time.Unix(0, completedAt).UTC(),
		JobID:       jobID,
	}, nil
}

func EncodeCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CompletedAt.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}

// Page trims the extra row fetched by ListJobs and returns the cursor
// for the next page, or "" on the last page.
func Page(rows []JobRow, pageSize int) ([]JobRow, string) {
	if len(rows) <= pageSize {
		return rows, ""
	}
	rows = rows[:pageSize]
	last := rows[len(rows)-1]
	return rows, EncodeCursor(&JobCursor{CompletedAt: last.CompletedAt, JobID: last.JobID})
}
