// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/poiesic/idp/ai"
	"github.com/poiesic/idp/core"
	"github.com/poiesic/idp/output"
)

// runState is the output accumulated by completed stages of one run.
// Stage functions only read it; changes are applied by the returned commit
// on the run goroutine, so an abandoned attempt can never corrupt it.
type runState struct {
	task     *core.Task
	text     string
	metadata core.Metadata
	chunks   []core.Chunk
	vectors  []core.ID
	content  string
	saved    *output.Saved
}

type commitFunc func(*runState)

type stageFunc func(ctx context.Context, st *runState) (commitFunc, error)

func newRunState(task *core.Task) *runState {
	return &runState{
		task: task,
		metadata: core.Metadata{
			Source:   task.Input.Name(),
			FileType: task.Input.FileType(),
		},
	}
}

func (st *runState) result() *core.Result {
	return &core.Result{
		OutputFormat: st.task.Input.Config.OutputFormat,
		Content:      st.content,
		OutputPath:   st.saved.OutputPath,
		MetadataPath: st.saved.MetadataPath,
		ChunksCount:  len(st.chunks),
		VectorIDs:    st.vectors,
		Metadata:     st.metadata,
	}
}

func (p *Pipeline) stageFunc(stage core.Stage) stageFunc {
	switch stage {
	case core.StageParse:
		return p.parse
	case core.StageOCR:
		return p.recognize
	case core.StageVLMEnhance:
		return p.enhance
	case core.StageChunking:
		return p.chunk
	case core.StageVectorStore:
		return p.storeVectors
	case core.StagePersistOutput:
		return p.persist
	}
	return func(context.Context, *runState) (commitFunc, error) {
		return nil, core.NewStageError(stage, core.ErrorKindInternal, "unknown stage", nil)
	}
}

func (p *Pipeline) parse(ctx context.Context, st *runState) (commitFunc, error) {
	src := st.task.Input
	if src.FileType() != core.FileTypePDF {
		return nil, nil
	}
	doc, err := p.stages.Parser.Parse(ctx, src)
	if err != nil {
		return nil, core.AsStageError(core.StageParse, err)
	}
	text := doc.Markdown()
	return func(st *runState) {
		st.text = text
		st.metadata.ParsedPages = doc.Pages
		st.metadata.ParsedTables = len(doc.Tables)
	}, nil
}

func (p *Pipeline) recognize(ctx context.Context, st *runState) (commitFunc, error) {
	result, err := p.stages.Recognizer.Recognize(ctx, st.task.Input, st.task.Input.Config.Languages)
	if err != nil {
		return nil, core.AsStageError(core.StageOCR, err)
	}
	merged := core.MergeText(st.text, result.Text())
	return func(st *runState) {
		st.text = merged
		st.metadata.OCRConfidence = result.Confidence
		st.metadata.OCRBlocks = len(result.Lines)
	}, nil
}

func (p *Pipeline) enhance(ctx context.Context, st *runState) (commitFunc, error) {
	if st.text == "" {
		p.logger.Info("no text to enhance, skipping VLM", "task", st.task.Id)
		return nil, nil
	}
	if p.stages.Enhancer == nil {
		return nil, core.NewStageError(core.StageVLMEnhance, core.ErrorKindUnavailable, "no VLM configured", core.ErrUnavailable)
	}

	req := ai.EnhanceRequest{
		Text:   st.text,
		Format: st.task.Input.Config.OutputFormat,
	}
	src := st.task.Input
	if src.FileType() == core.FileTypeImage {
		image, err := os.ReadFile(src.SourcePath)
		if err != nil {
			return nil, core.NewStageError(core.StageVLMEnhance, core.ErrorKindInvalidInput, "read image", err)
		}
		req.Image = image
		req.ImageMIME = imageMIME(src.SourcePath)
	}

	enhanced, err := p.stages.Enhancer.Enhance(ctx, req)
	if err != nil {
		return nil, core.AsStageError(core.StageVLMEnhance, err)
	}
	return func(st *runState) {
		st.text = enhanced.Content
		st.metadata.VLMEnhanced = true
	}, nil
}

func (p *Pipeline) chunk(ctx context.Context, st *runState) (commitFunc, error) {
	cfg := st.task.Input.Config
	chunks, err := p.stages.Chunker.Split(ctx, st.text, core.ChunkOptions{
		Size:     cfg.ChunkSize,
		Overlap:  cfg.ChunkOverlap,
		Markdown: cfg.OutputFormat == core.OutputFormatMarkdown,
	})
	if err != nil {
		return nil, core.AsStageError(core.StageChunking, err)
	}
	return func(st *runState) {
		st.chunks = chunks
	}, nil
}

func (p *Pipeline) storeVectors(ctx context.Context, st *runState) (commitFunc, error) {
	if !st.task.Input.Config.StoreInVectorDB || len(st.chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(st.chunks))
	for i, c := range st.chunks {
		texts[i] = c.Text
	}
	vectors, err := p.stages.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, core.AsStageError(core.StageVectorStore, err)
	}
	if len(vectors) != len(texts) {
		return nil, core.NewStageError(core.StageVectorStore, core.ErrorKindInternal,
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vectors), len(texts)), nil)
	}

	id := st.task.Id
	entries := make([]*core.VectorEntry, len(st.chunks))
	ids := make([]core.ID, len(st.chunks))
	for i, c := range st.chunks {
		ids[i] = core.VectorID(id, c.Index)
		entries[i] = &core.VectorEntry{
			Id:         ids[i],
			ChunkIndex: c.Index,
			Text:       c.Text,
			Source:     st.metadata.Source,
			Vector:     ai.NormalizeVector(vectors[i]),
		}
	}
	// An attempt abandoned after its timeout must not write
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.vectors.StoreVectors(ctx, id, entries...); err != nil {
		return nil, core.NewStageError(core.StageVectorStore, core.ClassifyError(err), "store vectors", err)
	}
	return func(st *runState) {
		st.vectors = ids
	}, nil
}

func (p *Pipeline) persist(ctx context.Context, st *runState) (commitFunc, error) {
	format := st.task.Input.Config.OutputFormat
	content, err := renderContent(format, st.text, st.metadata, len(st.chunks))
	if err != nil {
		return nil, core.NewStageError(core.StagePersistOutput, core.ErrorKindInternal, "render output", err)
	}
	saved, err := p.outputs.Save(ctx, &output.Artifact{
		TaskID:      st.task.Id,
		Stem:        st.task.Input.Stem(),
		Format:      format,
		Content:     content,
		Metadata:    st.metadata,
		ChunksCount: len(st.chunks),
		VectorIDs:   st.vectors,
	})
	if err != nil {
		return nil, core.NewStageError(core.StagePersistOutput, core.ClassifyError(err), "save output", err)
	}
	return func(st *runState) {
		st.content = content
		st.saved = saved
	}, nil
}

// jsonDocument is the body written for the json output format.
type jsonDocument struct {
	Content     string        `json:"content"`
	Metadata    core.Metadata `json:"metadata"`
	ChunksCount int           `json:"chunks_count"`
}

// renderContent produces the final artifact body for format.
func renderContent(format core.OutputFormat, text string, meta core.Metadata, chunks int) (string, error) {
	if format != core.OutputFormatJSON {
		return text, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jsonDocument{Content: text, Metadata: meta, ChunksCount: chunks}); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func imageMIME(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "image/png"
}
