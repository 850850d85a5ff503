package gitops

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/helper/errors"
	"gopkg.in/yaml.v3"
)

// Patcher rewrites a single field of a tracked manifest and commits the
// result. The field is located by structural path, never by text search, so
// unrelated content that happens to match the value is untouched.
type Patcher struct {
	repo   Repository
	logger log.Logger
}

func NewPatcher(repo Repository, logger log.Logger) *Patcher {
	return &Patcher{
		repo:   repo,
		logger: log.With(logger, "module", "gitops"),
	}
}

// Apply reads filePath, replaces the scalar at fieldPath with newValue and
// commits. A revision conflict is retried once with a fresh read, then
// surfaced.
func (p *Patcher) Apply(ctx context.Context, filePath, fieldPath, newValue string) (*v1alpha1.ManifestPatch, error) {
	patch, err := p.apply(ctx, filePath, fieldPath, newValue)
	if err != nil && errors.KindOf(err) == errors.KindConflict {
		level.Info(p.logger).Log("message", "manifest moved under us, retrying once", "file", filePath)
		patch, err = p.apply(ctx, filePath, fieldPath, newValue)
	}
	return patch, err
}

func (p *Patcher) apply(ctx context.Context, filePath, fieldPath, newValue string) (*v1alpha1.ManifestPatch, error) {
	file, err := p.repo.Read(ctx, filePath)
	if err != nil {
		return nil, errors.Wrap(err, "fail read manifest")
	}

	patched, oldValue, err := SetField(file.Content, fieldPath, newValue)
	if err != nil {
		return nil, errors.Wrap(err, "fail patch manifest")
	}

	message := fmt.Sprintf("update %s to %s", fieldPath, newValue)
	ref, err := p.repo.Commit(ctx, filePath, patched, file.Revision, message)
	if err != nil {
		return nil, err
	}

	return &v1alpha1.ManifestPatch{
		FilePath:  filePath,
		FieldPath: fieldPath,
		OldValue:  oldValue,
		NewValue:  newValue,
		CommitID:  ref.ID,
	}, nil
}

// SetField replaces the scalar at the dotted fieldPath of a YAML document
// and returns the re-encoded document plus the previous value. Path
// segments address mapping keys; numeric segments address sequence indices.
func SetField(doc []byte, fieldPath, newValue string) ([]byte, string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, "", errors.Wrap(err, "fail parse yaml")
	}
	if len(root.Content) == 0 {
		return nil, "", errors.New("empty document")
	}

	target, err := resolve(root.Content[0], strings.Split(fieldPath, "."))
	if err != nil {
		return nil, "", err
	}
	if target.Kind != yaml.ScalarNode {
		return nil, "", errors.Errorf("field %s is not a scalar", fieldPath)
	}

	oldValue := target.Value
	target.Value = newValue
	target.Tag = "" // re-infer, the new value may change the resolved type

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return nil, "", errors.Wrap(err, "fail encode yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, "", errors.Wrap(err, "fail encode yaml")
	}

	return buf.Bytes(), oldValue, nil
}

func resolve(node *yaml.Node, path []string) (*yaml.Node, error) {
	if len(path) == 0 {
		return node, nil
	}

	seg := path[0]
	switch node.Kind {
	case yaml.MappingNode:
		// mapping content alternates key, value
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == seg {
				return resolve(node.Content[i+1], path[1:])
			}
		}
		return nil, errors.Errorf("no such field: %s", seg)
	case yaml.SequenceNode:
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return nil, errors.Errorf("sequence index expected, got %q", seg)
		}
		if idx < 0 || idx >= len(node.Content) {
			return nil, errors.Errorf("index %d out of range", idx)
		}
		return resolve(node.Content[idx], path[1:])
	default:
		return nil, errors.Errorf("cannot descend into scalar at %q", seg)
	}
}
