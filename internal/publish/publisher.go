// Package publish writes the multi-artifact output of a pipeline run to
// the remote store: the full snapshot, the latest delta, a history copy
// of the delta keyed by run id, and the state index pointer.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"threatdelta/internal/logger"
	"threatdelta/internal/store"
	"threatdelta/pkg/models"
)

// Artifact names the four publication outputs, in write order.
type Artifact string

const (
	ArtifactSnapshot     Artifact = "snapshot"
	ArtifactLatestDelta  Artifact = "latest_delta"
	ArtifactHistoryDelta Artifact = "history_delta"
	ArtifactStateIndex   Artifact = "state_index"
)

// Error is a publication failure. Everything up to and including
// LastPublished is live in the store; the failed artifact and anything
// after it are stale or missing. There is no rollback, so the operator
// reconciles from these two fields.
type Error struct {
	Artifact      Artifact
	LastPublished Artifact
	Err           error
}

func (e *Error) Error() string {
	if e.LastPublished == "" {
		return fmt.Sprintf("publish %s failed, nothing published: %v", e.Artifact, e.Err)
	}
	return fmt.Sprintf("publish %s failed, last published artifact is %s: %v", e.Artifact, e.LastPublished, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Paths locates the four artifacts in the output store.
type Paths struct {
	Snapshot       string
	ChangesLatest  string
	ChangesHistory string
	StateIndex     string
}

// Publisher performs the four-write publication sequence.
type Publisher struct {
	store store.Store
	paths Paths
}

// New creates a Publisher over the output store.
func New(s store.Store, paths Paths) *Publisher {
	return &Publisher{store: s, paths: paths}
}

// Publish writes the snapshot, stamps its revision into the delta doc,
// writes the delta to the latest and history paths, and finally
// overwrites the state index. The state index goes last so consumers
// that read it first never point at artifacts that do not exist yet.
//
// Each write re-reads the path's revision immediately before writing;
// that narrows but does not close the cross-run race, which is accepted
// because runs are serialized externally. Once the snapshot write has
// succeeded the remaining writes run on a detached context: aborting
// half way would leave a worse partial state than finishing.
func (p *Publisher) Publish(ctx context.Context, snap *models.Snapshot, delta *models.DeltaDoc, runID string) (string, error) {
	snapContent, err := EncodeJSON(snap)
	if err != nil {
		return "", &Error{Artifact: ArtifactSnapshot, Err: fmt.Errorf("encode snapshot: %w", err)}
	}

	snapshotID, err := p.writeArtifact(ctx, p.paths.Snapshot, snapContent)
	if err != nil {
		return "", &Error{Artifact: ArtifactSnapshot, Err: err}
	}
	logger.Infof("Published snapshot %s (revision %s)", p.paths.Snapshot, snapshotID)

	delta.SnapshotID = snapshotID
	deltaContent, err := EncodeJSON(delta)
	if err != nil {
		return snapshotID, &Error{Artifact: ArtifactLatestDelta, LastPublished: ArtifactSnapshot, Err: fmt.Errorf("encode delta: %w", err)}
	}

	// From here on the snapshot is live; finish the remaining writes
	// even if the caller's context is being cancelled.
	wctx := context.WithoutCancel(ctx)

	if _, err := p.writeArtifact(wctx, p.paths.ChangesLatest, deltaContent); err != nil {
		return snapshotID, &Error{Artifact: ArtifactLatestDelta, LastPublished: ArtifactSnapshot, Err: err}
	}
	logger.Infof("Published latest delta %s (%d changes)", p.paths.ChangesLatest, delta.EventSeq)

	historyPath := p.paths.ChangesHistory + "/" + runID + ".json"
	if _, err := p.writeArtifact(wctx, historyPath, deltaContent); err != nil {
		return snapshotID, &Error{Artifact: ArtifactHistoryDelta, LastPublished: ArtifactLatestDelta, Err: err}
	}

	index := &models.StateIndex{
		LatestRunID:      runID,
		LatestSnapshotID: snapshotID,
		LatestEventID:    delta.EventSeq,
	}
	indexContent, err := EncodeJSON(index)
	if err != nil {
		return snapshotID, &Error{Artifact: ArtifactStateIndex, LastPublished: ArtifactHistoryDelta, Err: fmt.Errorf("encode state index: %w", err)}
	}
	if _, err := p.writeArtifact(wctx, p.paths.StateIndex, indexContent); err != nil {
		return snapshotID, &Error{Artifact: ArtifactStateIndex, LastPublished: ArtifactHistoryDelta, Err: err}
	}
	logger.Infof("Published state index %s (run %s)", p.paths.StateIndex, runID)

	return snapshotID, nil
}

// writeArtifact is a create-or-update: fetch the current revision right
// before writing so an unrelated concurrent writer is not clobbered
// blindly.
func (p *Publisher) writeArtifact(ctx context.Context, path string, content []byte) (string, error) {
	_, revision, err := p.store.Read(ctx, path)
	if err != nil {
		if !store.IsNotFound(err) {
			return "", fmt.Errorf("read current revision of %s: %w", path, err)
		}
		revision = ""
	}

	newRev, err := p.store.Write(ctx, path, content, revision)
	if err != nil {
		return "", err
	}
	return newRev, nil
}

// EncodeJSON renders an artifact the way every published file looks:
// two-space indent, trailing newline.
func EncodeJSON(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
