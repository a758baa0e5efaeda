package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/storage"
)

var errInvalidCursor = errors.New("invalid cursor")

// DecodePipelineCursor parses the opaque page token returned by ListPipelines. An empty
// token means the first page.
func DecodePipelineCursor(token string) (*storage.PipelineCursor, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidCursor, err)
	}

	nanos, id, found := strings.Cut(string(raw), "|")
	if !found || id == "" {
		return nil, errInvalidCursor
	}
	ts, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: created_at: %v", errInvalidCursor, err)
	}

	return &storage.PipelineCursor{CreatedAt: time.Unix(0, ts).UTC(), ID: id}, nil
}

// EncodePipelineCursor renders the position after the last pipeline of a page.
func EncodePipelineCursor(cursor *storage.PipelineCursor) string {
	raw := strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10) + "|" + cursor.ID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}
