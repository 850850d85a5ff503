package collaborator

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ChangeEvent is a source change notification, from a poll or a webhook.
type ChangeEvent struct {
	CommitID  string `json:"commitId,omitempty"`
	RepoRef   string `json:"repoRef,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Source exposes the head revision of a watched repository.
type Source interface {
	Head(ctx context.Context) (*ChangeEvent, error)
}

type source struct {
	host    string
	repoRef string
	client  *http.Client
}

func NewSource(host, repoRef string) Source {
	if !strings.HasPrefix(host, "http") {
		host = "http://" + host
	}
	return &source{
		host:    strings.TrimSuffix(host, "/"),
		repoRef: repoRef,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

func (s *source) Head(ctx context.Context) (*ChangeEvent, error) {
	var body struct {
		LatestCommitID string `json:"latestCommitId"`
	}
	err := getJSON(ctx, s.client, s.host+"/api/v1/head?repo="+s.repoRef, &body)
	if err != nil {
		return nil, err
	}

	return &ChangeEvent{
		CommitID:  body.LatestCommitID,
		RepoRef:   s.repoRef,
		Timestamp: time.Now().Unix(),
	}, nil
}
