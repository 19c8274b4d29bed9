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

package openai

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	// `, type":` and `{ title":` lose their opening quote in some model output.
	missingKeyQuote = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)":`)
	trailingComma   = regexp.MustCompile(`,(\s*[}\]])`)
)

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// repairJSON fixes the malformations local models commonly emit. Input that is
// already valid, or that cannot be repaired, is returned unchanged.
func repairJSON(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	fixed := missingKeyQuote.ReplaceAllString(s, `$1"$2":`)
	fixed = trailingComma.ReplaceAllString(fixed, `$1`)
	if json.Valid([]byte(fixed)) {
		return fixed
	}
	return s
}
