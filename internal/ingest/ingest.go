// Package ingest bridges the language parsers (C5) to the CRDT layer
// (C4): it turns a parser.Result's index-addressed NodeRow/EdgeRow
// lists into real insert_node/insert_edge operations, resolving
// ParentIdx/SourceIdx/TargetIdx against the node ids CRDT hands back,
// and mints the parse reward once a file lands cleanly.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"kerai/internal/crdt"
	"kerai/internal/currency"
	"kerai/internal/kerrors"
	"kerai/internal/parser"
)

// Ingester drives one or more Parser implementations against source
// files, anchoring each file's node tree under an existing parent (or
// the graph root when anchor is nil).
type Ingester struct {
	CRDT     *crdt.CRDT
	Currency *currency.Currency
	Parsers  map[string]parser.Parser // language -> parser
}

func New(c *crdt.CRDT, cur *currency.Currency, parsers map[string]parser.Parser) *Ingester {
	return &Ingester{CRDT: c, Currency: cur, Parsers: parsers}
}

// FileResult reports what landed in the graph for one parsed file.
type FileResult struct {
	FileNodeID uuid.UUID
	NodeIDs    []uuid.UUID // parallel to parser.Result.Nodes
	EdgeCount  int
	Findings   []parser.Finding
	Minted     bool
}

// IngestFile parses source with the parser registered for language and
// applies every node/edge as a CRDT operation, anchoring Nodes[0] (the
// file node) under anchor. Mints a parse_file reward on success.
func (in *Ingester) IngestFile(ctx context.Context, language string, source []byte, filename string, anchor *uuid.UUID, anchorPath string) (FileResult, error) {
	p, ok := in.Parsers[language]
	if !ok {
		return FileResult{}, kerrors.New(kerrors.InvalidOp, "ingest: no parser registered for language %q", language)
	}

	result, err := p.ParseFile(source, filename)
	if err != nil {
		return FileResult{}, kerrors.Wrap(kerrors.UpstreamParse, err, "ingest: parse %s", filename)
	}
	if len(result.Nodes) == 0 {
		return FileResult{}, kerrors.New(kerrors.UpstreamParse, "ingest: %s produced no nodes", filename)
	}

	fr, err := in.applyResult(ctx, result, anchor, anchorPath)
	if err != nil {
		return FileResult{}, err
	}

	if in.Currency != nil {
		minted, err := in.Currency.MintReward(ctx, "parse_file", map[string]any{
			"filename": filename,
			"language": language,
			"nodes":    len(result.Nodes),
		})
		if err == nil {
			fr.Minted = minted
		}
	}
	return fr, nil
}

// IngestCrate parses every file belonging to one Rust crate and mints
// the (typically larger) parse_crate reward once instead of per-file,
// anchoring every file's tree under the same crate root.
func (in *Ingester) IngestCrate(ctx context.Context, files map[string][]byte, anchor *uuid.UUID, anchorPath, crateName string) ([]FileResult, error) {
	p, ok := in.Parsers["rust"]
	if !ok {
		return nil, kerrors.New(kerrors.InvalidOp, "ingest: no rust parser registered")
	}

	var results []FileResult
	for filename, source := range files {
		result, err := p.ParseFile(source, filename)
		if err != nil {
			return results, kerrors.Wrap(kerrors.UpstreamParse, err, "ingest: parse %s", filename)
		}
		if len(result.Nodes) == 0 {
			continue
		}
		fr, err := in.applyResult(ctx, result, anchor, anchorPath)
		if err != nil {
			return results, err
		}
		results = append(results, fr)
	}

	if in.Currency != nil && len(results) > 0 {
		minted, err := in.Currency.MintReward(ctx, "parse_crate", map[string]any{
			"crate": crateName,
			"files": len(results),
		})
		if err == nil && minted {
			for i := range results {
				results[i].Minted = true
			}
		}
	}
	return results, nil
}

// applyResult walks Nodes in order (callers emit them parent-before-child,
// matching every walker's DFS emission order) converting each NodeRow
// into an insert_node op, then every EdgeRow into an insert_edge op.
func (in *Ingester) applyResult(ctx context.Context, result parser.Result, anchor *uuid.UUID, anchorPath string) (FileResult, error) {
	nodeIDs := make([]uuid.UUID, len(result.Nodes))
	paths := make([]string, len(result.Nodes))

	for i, row := range result.Nodes {
		var parentID *uuid.UUID
		parentPath := anchorPath
		if row.ParentIdx >= 0 {
			parentID = &nodeIDs[row.ParentIdx]
			parentPath = paths[row.ParentIdx]
		} else {
			parentID = anchor
		}

		path := childPath(parentPath, row.Position)
		paths[i] = path

		payload := map[string]any{
			"kind":     row.Kind,
			"language": row.Language,
			"content":  row.Content,
			"position": row.Position,
			"path":     path,
		}
		if parentID != nil {
			payload["parent_id"] = parentID.String()
		}
		if row.SpanStart != 0 || row.SpanEnd != 0 {
			payload["span_start"] = row.SpanStart
			payload["span_end"] = row.SpanEnd
		}
		if len(row.Metadata) > 0 {
			payload["metadata"] = row.Metadata
		}

		opResult, err := in.CRDT.ApplyOp(ctx, crdt.OpInsertNode, nil, payload)
		if err != nil {
			return FileResult{}, kerrors.Wrap(kerrors.Internal, err, "ingest: insert node %d (%s)", i, row.Kind)
		}
		nodeIDs[i] = opResult.NodeID
	}

	edgeCount := 0
	for _, edge := range result.Edges {
		sourceID := nodeIDs[edge.SourceIdx]
		payload := map[string]any{
			"target_id": nodeIDs[edge.TargetIdx].String(),
			"relation":  edge.Relation,
		}
		if len(edge.Metadata) > 0 {
			payload["metadata"] = edge.Metadata
		}
		if _, err := in.CRDT.ApplyOp(ctx, crdt.OpInsertEdge, &sourceID, payload); err != nil {
			return FileResult{}, kerrors.Wrap(kerrors.Internal, err, "ingest: insert edge %d->%d", edge.SourceIdx, edge.TargetIdx)
		}
		edgeCount++
	}

	return FileResult{
		FileNodeID: nodeIDs[0],
		NodeIDs:    nodeIDs,
		EdgeCount:  edgeCount,
		Findings:   result.Findings,
	}, nil
}

// childPath derives an ltree label from position since the child's own
// node id isn't known until after insertion; labels must stay within
// ltree's [A-Za-z0-9_]+ alphabet.
func childPath(parentPath string, position int) string {
	label := fmt.Sprintf("p%d", position)
	if parentPath == "" {
		return label
	}
	return parentPath + "." + label
}
