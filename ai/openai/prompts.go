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
	"fmt"

	"github.com/poiesic/idp/core"
)

const enhancementPromptTemplate = `You are an expert document processing assistant. Your task is to:
1. Analyze the document image and the OCR-extracted text below.
2. Correct any OCR errors (especially for Chinese characters).
3. Reconstruct the document's logical structure.
4. %s
5. Preserve all original content. Do NOT summarize or omit information.`

const jsonFormatInstruction = `Output ONLY valid JSON with keys: title, sections (array of {heading, content}), tables (array of {headers, rows}), metadata.`

const markdownFormatInstruction = `Output clean, well-structured Markdown. Use proper headings (#, ##), bullet points, and Markdown tables where appropriate.`

const userPromptTemplate = "OCR extracted text:\n\n%s\n\nPlease process and output the result."

// buildSystemPrompt returns the system prompt for the requested output format.
func buildSystemPrompt(format core.OutputFormat) string {
	instruction := markdownFormatInstruction
	if format == core.OutputFormatJSON {
		instruction = jsonFormatInstruction
	}
	return fmt.Sprintf(enhancementPromptTemplate, instruction)
}

// buildUserPrompt wraps the OCR text.
func buildUserPrompt(text string) string {
	return fmt.Sprintf(userPromptTemplate, text)
}
