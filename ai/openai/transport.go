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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/poiesic/idp/core"
)

// The langchaingo client replaces transport errors with plain messages, so
// the original *url.Error is gone by the time it reaches us.
const (
	networkErrorPrefix = "network error"
	timeoutErrorPrefix = "request timeout"
)

// transportError wraps err with core.ErrTimeout or core.ErrUnavailable when it
// describes a request that never got an answer. Other errors pass through.
func transportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrTimeout) || errors.Is(err, core.ErrUnavailable) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", core.ErrTimeout, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, timeoutErrorPrefix):
		return fmt.Errorf("%w: %w", core.ErrTimeout, err)
	case strings.Contains(msg, networkErrorPrefix):
		return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	}
	return err
}
