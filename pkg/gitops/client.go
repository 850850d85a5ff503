package gitops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/relay-ci/relay/pkg/helper/errors"
)

// httpRepository speaks the contents API of Gitea-compatible hosts. Reads
// return the blob SHA used as the revision token; writes carry the expected
// SHA so the host rejects stale updates.
type httpRepository struct {
	host   string
	owner  string
	repo   string
	branch string
	token  string

	client *http.Client
}

func NewHTTPRepository(host, owner, repo, branch, token string) Repository {
	if !strings.HasPrefix(host, "http") {
		host = "http://" + host
	}
	return &httpRepository{
		host:   strings.TrimSuffix(host, "/"),
		owner:  owner,
		repo:   repo,
		branch: branch,
		token:  token,
		client: &http.Client{Timeout: time.Second * 15},
	}
}

type contentsResponse struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
}

type updateFileRequest struct {
	Content string `json:"content"`
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Branch  string `json:"branch"`
}

type updateFileResponse struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func (h *httpRepository) contentsURL(path string) string {
	return fmt.Sprintf("%s/api/v1/repos/%s/%s/contents/%s?ref=%s",
		h.host, h.owner, h.repo, path, h.branch)
}

func (h *httpRepository) Read(ctx context.Context, path string) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.contentsURL(path), nil)
	if err != nil {
		return nil, errors.Wrap(err, "fail build contents request")
	}
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Transient(err, "fail read manifest")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewErr(resp.StatusCode, &errors.CodeError{
			Code:    resp.StatusCode,
			Message: "fail read " + path,
		})
	}

	var body contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "fail decode contents response")
	}
	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		return nil, errors.Wrap(err, "fail decode manifest content")
	}

	return &File{Path: path, Content: content, Revision: body.SHA}, nil
}

func (h *httpRepository) Commit(ctx context.Context, path string, content []byte, parentRevision, message string) (*CommitRef, error) {
	payload, err := json.Marshal(&updateFileRequest{
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     parentRevision,
		Message: message,
		Branch:  h.branch,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail marshal update request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.contentsURL(path), bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "fail build update request")
	}
	req.Header.Set("Content-Type", "application/json")
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Transient(err, "fail commit manifest")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return nil, errors.WithKind(errors.Errorf("revision moved: %s", parentRevision), errors.KindConflict)
	default:
		return nil, errors.NewErr(resp.StatusCode, &errors.CodeError{
			Code:    resp.StatusCode,
			Message: "fail commit " + path,
		})
	}

	var body updateFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "fail decode commit response")
	}
	return &CommitRef{ID: body.Commit.SHA}, nil
}

func (h *httpRepository) authorize(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "token "+h.token)
	}
}
