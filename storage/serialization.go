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

package storage

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/idp/core"
)

// recordVersion prefixes every encoded record.
const recordVersion uint64 = 1

// serializer is the method set shared by the mus-go primitive serializers.
type serializer[T any] interface {
	Marshal(v T, bs []byte) (n int)
	Unmarshal(bs []byte) (v T, n int, err error)
	Size(v T) (size int)
}

type encoder struct {
	buf []byte
}

func put[T any](e *encoder, ser serializer[T], v T) {
	size := ser.Size(v)
	n := len(e.buf)
	e.buf = slices.Grow(e.buf, size)[:n+size]
	ser.Marshal(v, e.buf[n:])
}

func (e *encoder) uint64(v uint64)   { put(e, varint.Uint64, v) }
func (e *encoder) int(v int)         { put(e, varint.Int64, int64(v)) }
func (e *encoder) string(v string)   { put(e, ord.String, v) }
func (e *encoder) bool(v bool)       { put(e, ord.Bool, v) }
func (e *encoder) float64(v float64) { e.uint64(math.Float64bits(v)) }
func (e *encoder) id(v core.ID)      { e.uint64(uint64(v)) }

// time stores microseconds since the epoch, with 0 reserved for the zero time.
func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		put(e, varint.Int64, int64(0))
		return
	}
	put(e, varint.Int64, t.UnixMicro())
}

func (e *encoder) strings(vs []string) {
	e.int(len(vs))
	for _, v := range vs {
		e.string(v)
	}
}

func (e *encoder) ids(vs []core.ID) {
	e.int(len(vs))
	for _, v := range vs {
		e.id(v)
	}
}

func (e *encoder) float32s(vs []float32) {
	e.int(len(vs))
	for _, v := range vs {
		put(e, varint.Uint32, math.Float32bits(v))
	}
}

type decoder struct {
	bs  []byte
	err error
}

func get[T any](d *decoder, ser serializer[T]) T {
	var zero T
	if d.err != nil {
		return zero
	}
	v, n, err := ser.Unmarshal(d.bs)
	if err != nil {
		d.err = err
		return zero
	}
	d.bs = d.bs[n:]
	return v
}

func (d *decoder) uint64() uint64   { return get(d, varint.Uint64) }
func (d *decoder) int() int         { return int(get(d, varint.Int64)) }
func (d *decoder) string() string   { return get(d, ord.String) }
func (d *decoder) bool() bool       { return get(d, ord.Bool) }
func (d *decoder) float64() float64 { return math.Float64frombits(d.uint64()) }
func (d *decoder) id() core.ID      { return core.ID(d.uint64()) }

func (d *decoder) time() time.Time {
	micros := get(d, varint.Int64)
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

// length reads a slice length, rejecting values that cannot fit in the remaining input.
func (d *decoder) length() int {
	n := d.int()
	if d.err == nil && (n < 0 || n > len(d.bs)) {
		d.err = fmt.Errorf("slice length %d exceeds remaining %d bytes", n, len(d.bs))
		return 0
	}
	return n
}

func (d *decoder) strings() []string {
	n := d.length()
	if n == 0 {
		return nil
	}
	vs := make([]string, n)
	for i := range vs {
		vs[i] = d.string()
	}
	return vs
}

func (d *decoder) ids() []core.ID {
	n := d.length()
	if n == 0 {
		return nil
	}
	vs := make([]core.ID, n)
	for i := range vs {
		vs[i] = d.id()
	}
	return vs
}

func (d *decoder) float32s() []float32 {
	n := d.length()
	if n == 0 {
		return nil
	}
	vs := make([]float32, n)
	for i := range vs {
		vs[i] = math.Float32frombits(get(d, varint.Uint32))
	}
	return vs
}

func (d *decoder) version() {
	if v := d.uint64(); d.err == nil && v != recordVersion {
		d.err = fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
}

func (d *decoder) finish() error {
	if d.err != nil {
		return fmt.Errorf("%w: %w", ErrSerializationFailed, d.err)
	}
	return nil
}

// MarshalTask serializes a Task to bytes.
func MarshalTask(task *core.Task) []byte {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.uint64(recordVersion)
	e.id(task.Id)
	e.string(string(task.Status))
	e.string(string(task.CurrentStage))
	e.float64(task.Progress)

	e.string(task.Input.SourcePath)
	e.string(task.Input.SourceName)
	cfg := task.Input.Config
	e.string(string(cfg.OutputFormat))
	e.bool(cfg.EnableVLM)
	e.int(cfg.ChunkSize)
	e.int(cfg.ChunkOverlap)
	e.strings(cfg.Languages)
	e.bool(cfg.StoreInVectorDB)

	e.bool(task.Result != nil)
	if r := task.Result; r != nil {
		e.string(string(r.OutputFormat))
		e.string(r.Content)
		e.string(r.OutputPath)
		e.string(r.MetadataPath)
		e.int(r.ChunksCount)
		e.ids(r.VectorIDs)
		m := r.Metadata
		e.string(m.Source)
		e.string(m.FileType)
		e.int(m.ParsedPages)
		e.int(m.ParsedTables)
		e.float64(m.OCRConfidence)
		e.int(m.OCRBlocks)
		e.bool(m.VLMEnhanced)
	}

	e.bool(task.Error != nil)
	if te := task.Error; te != nil {
		e.string(string(te.Stage))
		e.string(string(te.Kind))
		e.string(te.Summary)
	}

	e.time(task.CreatedAt)
	e.time(task.UpdatedAt)
	e.time(task.CompletedAt)
	return e.buf
}

// UnmarshalTask deserializes a Task from bytes.
func UnmarshalTask(data []byte) (*core.Task, error) {
	d := &decoder{bs: data}
	d.version()
	task := &core.Task{}
	task.Id = d.id()
	task.Status = core.Status(d.string())
	task.CurrentStage = core.Stage(d.string())
	task.Progress = d.float64()

	task.Input.SourcePath = d.string()
	task.Input.SourceName = d.string()
	cfg := &task.Input.Config
	cfg.OutputFormat = core.OutputFormat(d.string())
	cfg.EnableVLM = d.bool()
	cfg.ChunkSize = d.int()
	cfg.ChunkOverlap = d.int()
	cfg.Languages = d.strings()
	cfg.StoreInVectorDB = d.bool()

	if d.bool() {
		r := &core.Result{}
		r.OutputFormat = core.OutputFormat(d.string())
		r.Content = d.string()
		r.OutputPath = d.string()
		r.MetadataPath = d.string()
		r.ChunksCount = d.int()
		r.VectorIDs = d.ids()
		r.Metadata.Source = d.string()
		r.Metadata.FileType = d.string()
		r.Metadata.ParsedPages = d.int()
		r.Metadata.ParsedTables = d.int()
		r.Metadata.OCRConfidence = d.float64()
		r.Metadata.OCRBlocks = d.int()
		r.Metadata.VLMEnhanced = d.bool()
		task.Result = r
	}

	if d.bool() {
		task.Error = &core.TaskError{
			Stage:   core.Stage(d.string()),
			Kind:    core.ErrorKind(d.string()),
			Summary: d.string(),
		}
	}

	task.CreatedAt = d.time()
	task.UpdatedAt = d.time()
	task.CompletedAt = d.time()

	if err := d.finish(); err != nil {
		return nil, err
	}
	return task, nil
}

// MarshalVectorEntry serializes a VectorEntry to bytes.
func MarshalVectorEntry(entry *core.VectorEntry) []byte {
	e := &encoder{buf: make([]byte, 0, 64+len(entry.Text)+len(entry.Vector)*5)}
	e.uint64(recordVersion)
	e.id(entry.Id)
	e.id(entry.TaskID)
	e.int(entry.ChunkIndex)
	e.string(entry.Text)
	e.string(entry.Source)
	e.float32s(entry.Vector)
	e.time(entry.CreatedAt)
	return e.buf
}

// UnmarshalVectorEntry deserializes a VectorEntry from bytes.
func UnmarshalVectorEntry(data []byte) (*core.VectorEntry, error) {
	d := &decoder{bs: data}
	d.version()
	entry := &core.VectorEntry{
		Id:         d.id(),
		TaskID:     d.id(),
		ChunkIndex: d.int(),
		Text:       d.string(),
		Source:     d.string(),
		Vector:     d.float32s(),
		CreatedAt:  d.time(),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return entry, nil
}
