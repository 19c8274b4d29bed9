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

package badger

import (
	"encoding/binary"

	"github.com/poiesic/idp/core"
)

// Key prefixes for different data types.
// Prefixes end in ':' so the sequence key never falls inside a record scan.
const (
	taskRecordPrefix   = "task:"
	taskIDSeq          = "taskseq"
	vectorRecordPrefix = "vec:"
)

// makeTaskKey generates a key for a task record.
// Format: prefix + BigEndian(id), so keys sort in allocation order.
func makeTaskKey(id core.ID) []byte {
	buf := make([]byte, len(taskRecordPrefix)+8)
	offset := copy(buf, taskRecordPrefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}

// makeVectorNamespaceKey generates the key prefix shared by every vector of a task.
// Format: prefix + BigEndian(taskID)
func makeVectorNamespaceKey(task core.ID) []byte {
	buf := make([]byte, len(vectorRecordPrefix)+8)
	offset := copy(buf, vectorRecordPrefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(task))
	return buf
}

// makeVectorKey generates a key for one vector entry.
// Format: prefix + BigEndian(taskID) + BigEndian(vectorID)
func makeVectorKey(task, id core.ID) []byte {
	buf := make([]byte, len(vectorRecordPrefix)+16)
	offset := copy(buf, vectorRecordPrefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(task))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(id))
	return buf
}
